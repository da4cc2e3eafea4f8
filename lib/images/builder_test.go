package images

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// archiveExporter writes a fixed archive instead of talking to a daemon.
type archiveExporter struct {
	t       *testing.T
	entries []tarEntry
}

func (e *archiveExporter) Export(ctx context.Context, spec *BuildSpec) (*ExportedFilesystem, error) {
	require.NoError(e.t, os.MkdirAll(filepath.Dir(spec.ArchivePath()), 0755))
	writeTar(e.t, spec.ArchivePath(), e.entries)
	return &ExportedFilesystem{Path: spec.ArchivePath(), Tag: spec.Tag}, nil
}

func TestBuildMissingInitCreatesNoImage(t *testing.T) {
	runner := &recordingRunner{}
	f, _ := newTestFormatter(t, runner, writeInit)
	b := NewBuilder(&archiveExporter{t: t, entries: []tarEntry{
		{name: "bin/", typ: tar.TypeDir, mode: 0755},
		{name: "bin/sh", mode: 0755, body: "x"},
	}}, f, nil, nil)

	spec := *testSpec(t)
	spec.VerifyInit = true

	_, err := b.Build(context.Background(), spec)
	require.ErrorIs(t, err, ErrMissingInitEntrypoint)

	assert.NoFileExists(t, spec.Output)
	assert.Empty(t, runner.commands(), "no formatting work after a failed init check")
	assert.NoFileExists(t, spec.ArchivePath(), "archive is cleaned up")
}

func TestBuildWithoutVerificationSkipsCheck(t *testing.T) {
	runner := &recordingRunner{}
	f, _ := newTestFormatter(t, runner, func(ctx context.Context, archivePath, destDir string) error { return nil })
	b := NewBuilder(&archiveExporter{t: t, entries: []tarEntry{{name: "etc/hostname", body: "vm"}}}, f, nil, nil)

	spec := *testSpec(t)
	img, err := b.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, img.HasInit)
	assert.FileExists(t, spec.Output)
}

func TestBuildProducesImage(t *testing.T) {
	runner := &recordingRunner{}
	f, _ := newTestFormatter(t, runner, writeInit)
	b := NewBuilder(&archiveExporter{t: t, entries: bootableEntries}, f, nil, nil)

	spec := *testSpec(t)
	spec.VerifyInit = true
	spec.KeepArchive = true

	img, err := b.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, spec.SizeBytes, img.SizeBytes)
	assert.True(t, img.HasInit)
	assert.FileExists(t, spec.ArchivePath())
	assert.Equal(t, []string{"mkfs.ext4", "mount", "umount"}, runner.commands())

	rec, err := ReadRecord(img.Path)
	require.NoError(t, err)
	assert.Equal(t, spec.Recipe, rec.Recipe)
	assert.Equal(t, spec.NormalizedTag(), rec.Tag)
	assert.Equal(t, spec.SizeBytes, rec.SizeBytes)
	assert.True(t, rec.HasInit)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestReadRecord(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "rootfs.img")
	assert.Equal(t, filepath.Join(dir, "rootfs.json"), RecordPath(img))

	_, err := ReadRecord(img)
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, writeRecord(img, &Record{Tag: "docker.io/library/rootfs:latest", SizeBytes: 42}, nil))
	_, err = ReadRecord(img)
	require.Error(t, err, "record without its image")
	assert.NotErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, os.WriteFile(img, nil, 0644))
	rec, err := ReadRecord(img)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.SizeBytes)
	assert.NoFileExists(t, RecordPath(img)+".tmp")
}

func TestBuildRecordFollowsImageOwner(t *testing.T) {
	runner := &recordingRunner{}
	uid, gid := os.Getuid(), os.Getgid()
	calls := 0
	f := NewFormatter(
		WithRunner(runner),
		WithExtractor(writeInit),
		WithMountDir(t.TempDir()),
		WithOwner(func() (int, int, bool) {
			calls++
			return uid, gid, true
		}),
	)
	b := NewBuilder(&archiveExporter{t: t, entries: bootableEntries}, f, nil, nil)

	spec := *testSpec(t)
	img, err := b.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "image and record both handed to the owner")

	info, err := os.Stat(RecordPath(img.Path))
	require.NoError(t, err)
	st, ok := info.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	assert.Equal(t, uint32(uid), st.Uid)
	assert.Equal(t, uint32(gid), st.Gid)
}

func TestWriteRecordChownFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root may chown to any user")
	}
	img := filepath.Join(t.TempDir(), "rootfs.img")
	err := writeRecord(img, &Record{}, func() (int, int, bool) { return 0, 0, true })
	require.Error(t, err)
	assert.NoFileExists(t, RecordPath(img))
	assert.NoFileExists(t, RecordPath(img)+".tmp")
}

func TestBuildRejectsInvalidSpec(t *testing.T) {
	b := NewBuilder(&archiveExporter{t: t}, NewFormatter(), nil, nil)
	_, err := b.Build(context.Background(), BuildSpec{})
	require.ErrorIs(t, err, ErrInvalidSpec)
}
