package images

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrRecordNotFound is returned by ReadRecord when an image has no record.
var ErrRecordNotFound = errors.New("build record not found")

// Record describes how a disk image was produced. It lives next to the image
// so later runs can tell what they are booting.
type Record struct {
	Recipe    string    `json:"recipe"`
	Tag       string    `json:"tag"`
	SizeBytes int64     `json:"size_bytes"`
	HasInit   bool      `json:"has_init"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordPath returns where the record for imagePath is stored:
// /data/images/rootfs.img → /data/images/rootfs.json
func RecordPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".json"
}

// writeRecord stores rec beside the image. owner, when set, gets the record
// the same way it got the image.
func writeRecord(imagePath string, rec *Record, owner OwnerFunc) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	finalPath := RecordPath(imagePath)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if owner != nil {
		if uid, gid, ok := owner(); ok {
			if err := os.Chown(tempPath, uid, gid); err != nil {
				os.Remove(tempPath)
				return fmt.Errorf("chown record: %w", err)
			}
		}
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// ReadRecord loads the record for imagePath. A record whose image has since
// been removed is reported as an error rather than returned.
func ReadRecord(imagePath string) (*Record, error) {
	data, err := os.ReadFile(RecordPath(imagePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	if _, err := os.Stat(imagePath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("disk image missing: %s", imagePath)
		}
		return nil, fmt.Errorf("stat disk image: %w", err)
	}
	return &rec, nil
}
