package model

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/blacktop/ipastore/internal/storefront"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusTransferring, true},
		{StatusTransferring, StatusVerifying, true},
		{StatusVerifying, StatusCompleted, true},
		{StatusTransferring, StatusStopped, true},
		{StatusStopped, StatusTransferring, true},
		{StatusStopped, StatusPending, true},
		{StatusVerifying, StatusStopped, true},
		{StatusCompleted, StatusStopped, false},
		{StatusCompleted, StatusTransferring, false},
		{StatusPending, StatusCompleted, false},
		{StatusTransferring, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRuntimeNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Runtime
		want Runtime
	}{
		{"clamp high", Runtime{Status: StatusTransferring, Percent: 1.7, Speed: 10}, Runtime{Status: StatusTransferring, Percent: 1, Speed: 10}},
		{"clamp low", Runtime{Status: StatusTransferring, Percent: -0.2, Speed: SpeedUnknown}, Runtime{Status: StatusTransferring, Percent: 0, Speed: SpeedUnknown}},
		{"speed cleared", Runtime{Status: StatusStopped, Percent: 0.5, Speed: 1000}, Runtime{Status: StatusStopped, Percent: 0.5}},
		{"unknown cleared", Runtime{Status: StatusVerifying, Percent: 1, Speed: SpeedUnknown}, Runtime{Status: StatusVerifying, Percent: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			got.Normalize()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTargetPath(t *testing.T) {
	a := &Request{ID: "one", MD5: "abc", Archive: storefront.Archive{BundleID: "com.example.app", Version: "1.2.3"}}
	b := a.Clone()
	b.ID = "two"

	want := filepath.Join("root", "com.example.app", "1.2.3", "abc_one.ipa")
	if got := a.TargetPath("root"); got != want {
		t.Errorf("TargetPath() = %s, want %s", got, want)
	}
	if a.TargetPath("root") == b.TargetPath("root") {
		t.Error("two requests for the same version must not share a target path")
	}
	if got := a.PartialPath("root"); got != want+".download" {
		t.Errorf("PartialPath() = %s", got)
	}
}

func TestNewMetadata(t *testing.T) {
	md, err := NewMetadata(map[string]any{
		"bundleDisplayName":                 "Example",
		"bundleShortVersionString":          "1.2.3",
		"softwareVersionExternalIdentifier": 8001,
		"somethingElse":                     "kept",
	})
	if err != nil {
		t.Fatal(err)
	}
	if md.BundleDisplayName != "Example" || md.BundleShortVersion != "1.2.3" || md.ExternalVersionID != 8001 {
		t.Errorf("unexpected typed metadata: %+v", md)
	}
	dict, err := md.Dict()
	if err != nil {
		t.Fatal(err)
	}
	if dict["somethingElse"] != "kept" {
		t.Errorf("raw metadata lost unknown keys: %v", dict)
	}

	// mistyped fields fall back to the raw blob
	md, err = NewMetadata(map[string]any{"itemId": "not-a-number"})
	if err != nil {
		t.Fatal(err)
	}
	if md.ItemID != 0 || len(md.Raw) == 0 {
		t.Errorf("expected raw-only metadata, got %+v", md)
	}
}

func TestClone(t *testing.T) {
	r := &Request{
		ID:         "x",
		Signatures: []storefront.Signature{{ID: 1, Data: []byte{1}}},
		Metadata:   Metadata{Raw: []byte{2}},
	}
	c := r.Clone()
	if !reflect.DeepEqual(r, c) {
		t.Fatalf("Clone() = %+v, want %+v", c, r)
	}
	c.Signatures[0].Data[0] = 9
	c.Metadata.Raw[0] = 9
	if r.Signatures[0].Data[0] != 1 || r.Metadata.Raw[0] != 2 {
		t.Error("Clone() shares memory with the original")
	}
}
