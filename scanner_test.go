package hsmstream_test

import (
	"testing"

	"github.com/stanford-rc/hsm-action-stream"
	"github.com/stanford-rc/hsm-action-stream/internal/testingutil"
)

func TestScanner_Scan(t *testing.T) {
	t.Run("MultipleMDTs", func(t *testing.T) {
		dir := t.TempDir()
		testingutil.WriteActionFile(t, dir, "testfs-MDT0000",
			`idx=[1/1] action=ARCHIVE fid=[0x1] status=STARTED`,
			`idx=[1/2] action=RESTORE fid=[0x2] status=WAITING`,
		)
		testingutil.WriteActionFile(t, dir, "testfs-MDT0001",
			`idx=[3/9] action=REMOVE fid=[0x3] status=SUCCEED`,
		)

		snapshot, err := hsmstream.NewScanner(testingutil.ActionFileGlob(dir)).Scan()
		if err != nil {
			t.Fatal(err)
		}

		if got, want := len(snapshot), 2; got != want {
			t.Fatalf("len(snapshot)=%d, want %d", got, want)
		}
		if got, want := len(snapshot["testfs-MDT0000"]), 2; got != want {
			t.Fatalf("len(MDT0000)=%d, want %d", got, want)
		}
		if got, want := len(snapshot["testfs-MDT0001"]), 1; got != want {
			t.Fatalf("len(MDT0001)=%d, want %d", got, want)
		}

		rec := snapshot["testfs-MDT0001"][0]
		if got, want := rec.MDT, "testfs-MDT0001"; got != want {
			t.Fatalf("MDT=%q, want %q", got, want)
		}
		if got, want := rec.FID, "0x3"; got != want {
			t.Fatalf("FID=%q, want %q", got, want)
		}
	})

	t.Run("EmptyFileIsLiveMDT", func(t *testing.T) {
		dir := t.TempDir()
		testingutil.WriteActionFile(t, dir, "testfs-MDT0000")

		snapshot, err := hsmstream.NewScanner(testingutil.ActionFileGlob(dir)).Scan()
		if err != nil {
			t.Fatal(err)
		}

		records, ok := snapshot["testfs-MDT0000"]
		if !ok {
			t.Fatal("expected MDT with empty action log in snapshot")
		}
		if got, want := len(records), 0; got != want {
			t.Fatalf("len(records)=%d, want %d", got, want)
		}
	})

	t.Run("UnparseableLineDropped", func(t *testing.T) {
		dir := t.TempDir()
		testingutil.WriteActionFile(t, dir, "testfs-MDT0000",
			`idx=[1/1] action=ARCHIVE fid=[0x1] status=STARTED`,
			`complete garbage`,
			`idx=[1/2] action=ARCHIVE fid=[0x2] status=STARTED`,
		)

		snapshot, err := hsmstream.NewScanner(testingutil.ActionFileGlob(dir)).Scan()
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(snapshot["testfs-MDT0000"]), 2; got != want {
			t.Fatalf("len(records)=%d, want %d", got, want)
		}
	})

	t.Run("RemovedMDTDisappears", func(t *testing.T) {
		dir := t.TempDir()
		testingutil.WriteActionFile(t, dir, "testfs-MDT0000",
			`idx=[1/1] action=ARCHIVE fid=[0x1] status=STARTED`,
		)
		testingutil.WriteActionFile(t, dir, "testfs-MDT0001",
			`idx=[1/1] action=RESTORE fid=[0x2] status=STARTED`,
		)
		testingutil.RemoveActionFile(t, dir, "testfs-MDT0001")

		snapshot, err := hsmstream.NewScanner(testingutil.ActionFileGlob(dir)).Scan()
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(snapshot), 1; got != want {
			t.Fatalf("len(snapshot)=%d, want %d", got, want)
		}
		if _, ok := snapshot["testfs-MDT0001"]; ok {
			t.Fatal("unexpected snapshot entry for removed MDT")
		}
	})

	t.Run("NoMatches", func(t *testing.T) {
		snapshot, err := hsmstream.NewScanner(testingutil.ActionFileGlob(t.TempDir())).Scan()
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(snapshot), 0; got != want {
			t.Fatalf("len(snapshot)=%d, want %d", got, want)
		}
	})
}

func TestMDTFromPath(t *testing.T) {
	if mdt, ok := hsmstream.MDTFromPath("/sys/kernel/debug/lustre/mdt/elm-MDT0003/hsm/actions"); !ok {
		t.Fatal("expected MDT match")
	} else if got, want := mdt, "elm-MDT0003"; got != want {
		t.Fatalf("mdt=%q, want %q", got, want)
	}

	if _, ok := hsmstream.MDTFromPath("/tmp/not-an-mdt/hsm/actions"); ok {
		t.Fatal("unexpected MDT match")
	}
}
