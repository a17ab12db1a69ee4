package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"threadline/api/internal/blob"
)

type blobPutter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

func newBlobsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "blobs <dir>",
		Short: "Upload every file under dir to the blob store by content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.cfg.S3Endpoint == "" {
				return errors.New("S3_ENDPOINT is not set")
			}
			store, err := blob.New(blob.Config{
				Endpoint:  e.cfg.S3Endpoint,
				AccessKey: e.cfg.S3AccessKey,
				SecretKey: e.cfg.S3SecretKey,
				Bucket:    e.cfg.S3Bucket,
				UseSSL:    e.cfg.S3UseSSL,
			})
			if err != nil {
				return err
			}
			if err := store.EnsureBucket(cmd.Context()); err != nil {
				return err
			}
			ids, err := uploadDir(cmd.Context(), store, args[0])
			for path, id := range ids {
				e.logger.WithField("file", path).WithField("blob", id).Debug("uploaded blob")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d blobs\n", len(ids))
			return nil
		},
	}
}

// uploadDir stores every regular file below dir and returns the blob id of
// each, keyed by path.
func uploadDir(ctx context.Context, put blobPutter, dir string) (map[string]string, error) {
	ids := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		id, err := put.Put(ctx, data)
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		ids[path] = id
		return nil
	})
	return ids, err
}
