package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/hyperengineering/livesync/internal/archive"
	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/pkg/patch"
)

// executeArchiveCmd runs an archive subcommand with captured output.
func executeArchiveCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Cobra parses into package-level variables; reset them between runs.
	archivePath = ""
	archiveJSONOutput = false
	archiveEntity = ""
	archiveLimit = archive.DefaultListLimit

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(append([]string{"archive"}, args...))

	err := rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return out.String(), err
}

func seedArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := archive.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	var entries []oplog.Entry
	for v := int64(1); v <= 3; v++ {
		entries = append(entries, oplog.Entry{
			EntityKey: "user:1",
			Version:   v,
			Patch:     []patch.Operation{{Op: patch.OpReplace, Path: "/age", Value: v}},
		})
	}
	entries = append(entries, oplog.Entry{EntityKey: "user:2", Version: 1})
	if err := s.Archive(context.Background(), entries); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	return path
}

func TestArchiveList_Table(t *testing.T) {
	path := seedArchive(t)

	out, err := executeArchiveCmd(t, "list", "--path", path)
	if err != nil {
		t.Fatalf("archive list error = %v", err)
	}
	if !strings.Contains(out, "ENTITY") || strings.Count(out, "user:1") != 3 || !strings.Contains(out, "user:2") {
		t.Errorf("output = %q", out)
	}
}

func TestArchiveList_JSONFiltered(t *testing.T) {
	path := seedArchive(t)

	out, err := executeArchiveCmd(t, "list", "--path", path, "--entity", "user:1", "--limit", "2", "--json")
	if err != nil {
		t.Fatalf("archive list error = %v", err)
	}

	var got struct {
		Entries []archive.Record `json:"entries"`
		Total   int              `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Total != 2 || got.Entries[0].Version != 3 || got.Entries[1].Version != 2 {
		t.Errorf("entries = %+v, want versions 3 and 2", got.Entries)
	}
}

func TestArchiveList_Empty(t *testing.T) {
	path := seedArchive(t)

	out, err := executeArchiveCmd(t, "list", "--path", path, "--entity", "user:404")
	if err != nil {
		t.Fatalf("archive list error = %v", err)
	}
	if !strings.Contains(out, "No archived entries.") {
		t.Errorf("output = %q", out)
	}
}

func TestArchiveStats(t *testing.T) {
	path := seedArchive(t)

	out, err := executeArchiveCmd(t, "stats", "--path", path, "--json")
	if err != nil {
		t.Fatalf("archive stats error = %v", err)
	}
	var st archive.Stats
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if st.Entries != 4 || st.Entities != 2 {
		t.Errorf("stats = %+v, want 4 entries over 2 entities", st)
	}

	out, err = executeArchiveCmd(t, "stats", "--path", path)
	if err != nil {
		t.Fatalf("archive stats error = %v", err)
	}
	if !strings.Contains(out, "Entries:") || !strings.Contains(out, "4") {
		t.Errorf("output = %q", out)
	}
}

func TestArchive_PathErrors(t *testing.T) {
	t.Setenv("LIVESYNC_ARCHIVE_PATH", "")

	if _, err := executeArchiveCmd(t, "stats"); err == nil || !strings.Contains(err.Error(), "archive path required") {
		t.Errorf("missing path error = %v", err)
	}

	missing := filepath.Join(t.TempDir(), "nope.db")
	if _, err := executeArchiveCmd(t, "list", "--path", missing); err == nil {
		t.Error("missing archive file did not fail")
	}
}

func TestArchive_PathFromEnv(t *testing.T) {
	path := seedArchive(t)
	t.Setenv("LIVESYNC_ARCHIVE_PATH", path)

	if _, err := executeArchiveCmd(t, "stats"); err != nil {
		t.Errorf("archive stats with env path error = %v", err)
	}
}
