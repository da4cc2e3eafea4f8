package images

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name string
	typ  byte
	mode int64
	body string
	link string
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typ := e.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: typ,
			Mode:     mode,
			Linkname: e.link,
			ModTime:  time.Unix(1700000000, 0),
		}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typ == tar.TypeReg && e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func writeTar(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, buildTar(t, entries), 0644))
}

// bootableEntries is a minimal root filesystem with an executable init.
var bootableEntries = []tarEntry{
	{name: "bin/", typ: tar.TypeDir, mode: 0755},
	{name: "bin/sh", mode: 0755, body: "#!fake"},
	{name: "init", mode: 0755, body: "#!/bin/sh\nexec /bin/sh\n"},
}

// recordingRunner records commands instead of running them. Commands whose
// name matches a key in fail return that error.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, call)
	for prefix, err := range r.fail {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	if name == "umount" {
		// Unmounting hides whatever the fake extraction wrote.
		dir := args[len(args)-1]
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func (r *recordingRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		fields := strings.Fields(c)
		name := fields[0]
		if name == "umount" && len(fields) > 2 && fields[1] == "-l" {
			name = "umount -l"
		}
		names = append(names, name)
	}
	return names
}

func noOwner() (int, int, bool) { return 0, 0, false }

var errFake = errors.New("fake failure")
