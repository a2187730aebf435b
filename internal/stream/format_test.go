package stream

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeFlags(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name            string
		in              uint64
		want            uint64
		wantGranularity uint64
	}{
		{
			name:            "both uid widths",
			in:              With16BitUIDs | With32BitUIDs,
			want:            With32BitUIDs,
			wantGranularity: 0,
		},
		{
			name:            "nsec supersedes all coarser times",
			in:              WithNSecTime | WithUSecTime | WithSecTime | With2SecTime,
			want:            WithNSecTime,
			wantGranularity: 1,
		},
		{
			name:            "usec supersedes sec",
			in:              WithUSecTime | WithSecTime,
			want:            WithUSecTime,
			wantGranularity: 1000,
		},
		{
			name:            "sec",
			in:              WithSecTime,
			want:            WithSecTime,
			wantGranularity: 1000 * 1000 * 1000,
		},
		{
			name:            "2sec",
			in:              With2SecTime,
			want:            With2SecTime,
			wantGranularity: 2 * 1000 * 1000 * 1000,
		},
		{
			name:            "permissions supersede readonly",
			in:              WithPermissions | WithReadOnly,
			want:            WithPermissions,
			wantGranularity: 0,
		},
		{
			name:            "unrelated bits survive",
			in:              WithSymlinks | WithFIFOs | WithSockets | WithDeviceNodes,
			want:            WithSymlinks | WithFIFOs | WithSockets | WithDeviceNodes,
			wantGranularity: 0,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, granularity, err := normalizeFlags(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("normalizeFlags(%#x) = %#x, want %#x", tt.in, got, tt.want)
			}
			if granularity != tt.wantGranularity {
				t.Errorf("granularity = %d, want %d", granularity, tt.wantGranularity)
			}
		})
	}
}

func TestNormalizeFlagsRejectsUnknownBits(t *testing.T) {
	t.Parallel()

	if _, _, err := normalizeFlags(1 << 40); err != ErrUnsupportedFlags {
		t.Fatalf("normalizeFlags(1<<40) = %v, want ErrUnsupportedFlags", err)
	}
}

func TestRecordSizes(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	if err := appendHello(&b, DefaultFeatureFlags); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Len(), helloRecordSize; got != want {
		t.Errorf("hello record is %d bytes, want %d", got, want)
	}
	b.Reset()

	if err := appendEntry(&b, "name", 0100644, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Len(), entryRecordSize+len("name")+1; got != want {
		t.Errorf("entry record is %d bytes, want %d", got, want)
	}
	b.Reset()

	if err := appendGoodbye(&b); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Len(), goodbyeRecordSize; got != want {
		t.Errorf("goodbye record is %d bytes, want %d", got, want)
	}
}

func TestEntryRoundtrips(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	if err := appendHello(&b, With32BitUIDs|WithNSecTime); err != nil {
		t.Fatal(err)
	}
	if err := appendEntry(&b, "passwd", 0100644, 1000, 1000, 1234567890123456789); err != nil {
		t.Fatal(err)
	}
	if err := appendPayloadHeader(&b, 42); err != nil {
		t.Fatal(err)
	}

	rd := NewReader(&b)
	rec, err := rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Hello{FeatureFlags: With32BitUIDs | WithNSecTime}, rec); diff != "" {
		t.Fatalf("hello record: diff (-want +got):\n%s", diff)
	}

	rec, err = rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	want := Entry{
		Mode:  0100644,
		UID:   1000,
		GID:   1000,
		MTime: 1234567890123456789,
		Name:  "passwd",
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("entry record: diff (-want +got):\n%s", diff)
	}

	rec, err = rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Payload{Size: 42}, rec); diff != "" {
		t.Fatalf("payload record: diff (-want +got):\n%s", diff)
	}
}
