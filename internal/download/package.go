package download

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/blacktop/ipastore/internal/utils"
)

type packageManifest struct {
	SinfPaths []string `plist:"SinfPaths,omitempty"`
}

type packageInfo struct {
	BundleExecutable string `plist:"CFBundleExecutable,omitempty"`
}

// Package rewrites the package at path with the request's signatures and an
// iTunesMetadata.plist so it installs outside of the store.
func Package(path string, r *model.Request) error {
	tmp := path + ".tmp"
	if err := applyPatches(path, tmp, r); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to apply package patches: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func applyPatches(src, dst string, r *model.Request) error {
	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open destination patch file: %w", err)
	}
	defer dstFile.Close()

	srcZip, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open source patch file: %w", err)
	}
	defer srcZip.Close()

	dstZip := zip.NewWriter(dstFile)

	manifestData := new(bytes.Buffer)
	infoData := new(bytes.Buffer)

	appBundle, err := replicateZip(srcZip, dstZip, infoData, manifestData)
	if err != nil {
		return fmt.Errorf("failed to replicate app bundle zip: %w", err)
	}

	if err := writeMetadata(dstZip, r); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if manifestData.Len() > 0 {
		if err := applySinfPatches(dstZip, manifestData.Bytes(), appBundle, r); err != nil {
			return fmt.Errorf("failed to apply sinf patches: %w", err)
		}
	} else {
		if err := applyLegacySinfPatches(dstZip, infoData.Bytes(), appBundle, r); err != nil {
			return fmt.Errorf("failed to apply legacy sinf patches: %w", err)
		}
	}

	if err := dstZip.Close(); err != nil {
		return fmt.Errorf("failed to finalize patched package: %w", err)
	}
	return dstFile.Close()
}

func writeMetadata(zw *zip.Writer, r *model.Request) error {
	metadata, err := r.Metadata.Dict()
	if err != nil {
		return err
	}
	metadata["apple-id"] = r.Account
	metadata["userName"] = r.Account

	metadataFile, err := zw.Create("iTunesMetadata.plist")
	if err != nil {
		return fmt.Errorf("failed to create iTunesMetadata.plist: %w", err)
	}

	data, err := plist.Marshal(metadata, plist.BinaryFormat)
	if err != nil {
		return fmt.Errorf("failed to marshal iTunesMetadata.plist: %w", err)
	}

	if _, err := metadataFile.Write(data); err != nil {
		return fmt.Errorf("failed to write iTunesMetadata.plist: %w", err)
	}

	return nil
}

// replicateZip copies every entry verbatim, capturing the main bundle's
// Info.plist and SC_Info/Manifest.plist on the way.
func replicateZip(src *zip.ReadCloser, dst *zip.Writer, info *bytes.Buffer, manifest *bytes.Buffer) (appBundle string, err error) {
	for _, file := range src.File {
		if file.Name == "iTunesMetadata.plist" {
			continue
		}

		if strings.HasSuffix(file.Name, ".app/SC_Info/Manifest.plist") {
			if err := readEntry(file, manifest); err != nil {
				return "", fmt.Errorf("failed to copy manifest file: %w", err)
			}
		}

		// only Payload/<name>.app/Info.plist, not nested watch apps or plug-ins
		if strings.HasSuffix(file.Name, ".app/Info.plist") && strings.Count(file.Name, "/") == 2 {
			appBundle = filepath.Base(strings.TrimSuffix(file.Name, ".app/Info.plist"))
			if err := readEntry(file, info); err != nil {
				return "", fmt.Errorf("failed to copy info file: %w", err)
			}
		}

		srcFile, err := file.OpenRaw()
		if err != nil {
			return "", fmt.Errorf("failed to open source file: %w", err)
		}

		header := file.FileHeader
		dstFile, err := dst.CreateRaw(&header)
		if err != nil {
			return "", fmt.Errorf("failed to create destination header file: %w", err)
		}

		if _, err := io.Copy(dstFile, srcFile); err != nil {
			return "", fmt.Errorf("failed to copy file: %w", err)
		}
	}

	if appBundle == "" {
		return "", fmt.Errorf("failed to determine name of app bundle")
	}

	return appBundle, nil
}

func readEntry(file *zip.File, w io.Writer) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

func applySinfPatches(zw *zip.Writer, manifestData []byte, appBundle string, r *model.Request) error {
	var manifest packageManifest
	if _, err := plist.Unmarshal(manifestData, &manifest); err != nil {
		return fmt.Errorf("failed to unmarshal package manifest: %w", err)
	}

	zipped, err := utils.Zip(r.Signatures, manifest.SinfPaths)
	if err != nil {
		return fmt.Errorf("failed to zip sinf files: %w", err)
	}

	for _, pair := range zipped {
		sp := fmt.Sprintf("Payload/%s.app/%s", appBundle, pair.Second)

		file, err := zw.Create(sp)
		if err != nil {
			return fmt.Errorf("failed to create sinf file: %w", err)
		}

		if _, err := file.Write(pair.First.Data); err != nil {
			return fmt.Errorf("failed to write sinf data: %w", err)
		}
	}

	return nil
}

func applyLegacySinfPatches(zw *zip.Writer, infoData []byte, appBundle string, r *model.Request) error {
	var pinfo packageInfo
	if _, err := plist.Unmarshal(infoData, &pinfo); err != nil {
		return fmt.Errorf("failed to unmarshal package info data: %w", err)
	}
	if pinfo.BundleExecutable == "" {
		return fmt.Errorf("package Info.plist has no CFBundleExecutable")
	}

	sp := fmt.Sprintf("Payload/%s.app/SC_Info/%s.sinf", appBundle, pinfo.BundleExecutable)

	file, err := zw.Create(sp)
	if err != nil {
		return fmt.Errorf("failed to create sinf file: %w", err)
	}

	if _, err := file.Write(r.Signatures[0].Data); err != nil {
		return fmt.Errorf("failed to write sinf data: %w", err)
	}

	return nil
}
