package machine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsUnrestrictedGuest(t *testing.T) { // nolint:paralleltest
	saved := unrestrictedGuestParam
	t.Cleanup(func() { unrestrictedGuestParam = saved })

	dir := t.TempDir()

	for _, tt := range []struct {
		content string
		want    bool
	}{
		{"Y\n", true},
		{"N\n", false},
		{"", false},
	} {
		p := filepath.Join(dir, "unrestricted_guest")
		if err := os.WriteFile(p, []byte(tt.content), 0o600); err != nil {
			t.Fatal(err)
		}

		unrestrictedGuestParam = p

		if got := IsUnrestrictedGuest(); got != tt.want {
			t.Errorf("IsUnrestrictedGuest(%q): got %v, want %v", tt.content, got, tt.want)
		}
	}

	unrestrictedGuestParam = filepath.Join(dir, "missing")

	if IsUnrestrictedGuest() {
		t.Errorf("IsUnrestrictedGuest(missing file): got true, want false")
	}
}

func TestCopyStruct(t *testing.T) {
	t.Parallel()

	type pair struct{ A, B uint32 }

	src := pair{A: 1, B: 2}
	b := cloneBytes(structBytes(&src))

	var dst pair
	if err := copyStruct(&dst, b); err != nil || dst != src {
		t.Fatalf("copyStruct: got (%+v, %v), want (%+v, nil)", dst, err, src)
	}

	if err := copyStruct(&dst, b[:4]); err == nil {
		t.Fatalf("copyStruct(short): got nil, want error")
	}
}
