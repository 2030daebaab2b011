package docker

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tarDirectory streams the contents of dir as an uncompressed tar archive.
// Entries are placed under prefix (slash-terminated or empty) so extraction
// at the filesystem root lands them at the destination, creating it if
// needed. Symlinks are preserved as links, not followed.
func tarDirectory(dir, prefix string) io.ReadCloser {
	reader, writer := io.Pipe()

	go func() {
		tw := tar.NewWriter(writer)

		if prefix != "" {
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     prefix,
				Mode:     0o755,
				ModTime:  time.Now(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				_ = writer.CloseWithError(err)
				return
			}
		}

		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}

			relPath, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if relPath == "." {
				return nil
			}

			link := ""
			if info.Mode()&os.ModeSymlink != 0 {
				link, err = os.Readlink(path)
				if err != nil {
					return fmt.Errorf("failed to read symlink %s: %w", path, err)
				}
			}

			header, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			header.Name = prefix + filepath.ToSlash(relPath)
			if info.IsDir() && !strings.HasSuffix(header.Name, "/") {
				header.Name += "/"
			}

			if err := tw.WriteHeader(header); err != nil {
				return err
			}

			if !info.Mode().IsRegular() {
				return nil
			}

			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = file.Close() }()

			_, err = io.Copy(tw, file)
			return err
		})

		if err != nil {
			_ = writer.CloseWithError(err)
			return
		}
		if err := tw.Close(); err != nil {
			_ = writer.CloseWithError(err)
			return
		}
		_ = writer.Close()
	}()

	return reader
}
