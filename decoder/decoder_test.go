package decoder_test

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/Zereker/chatmux/cursor"
	"github.com/Zereker/chatmux/decoder"
	"github.com/creachadair/mds/mtest"
	"github.com/pkg/errors"
)

func lengthPrefixed(s string) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(s)))
	return append(out, s...)
}

func feed(t *testing.T, in *cursor.Cursor, p []byte) {
	t.Helper()
	if err := in.Put(p); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestIntSplits(t *testing.T) {
	const want = int32(-123456789)
	enc := binary.BigEndian.AppendUint32(nil, uint32(want))

	for cut := range len(enc) + 1 {
		d := decoder.NewInt()
		in := cursor.New(8)

		feed(t, in, enc[:cut])
		st := d.Process(in)
		if cut < len(enc) {
			if st != decoder.NeedsMore {
				t.Fatalf("cut %d: first Process = %v, want NEEDS_MORE", cut, st)
			}
			if in.Len() != 0 {
				t.Errorf("cut %d: %d bytes left unconsumed", cut, in.Len())
			}
			feed(t, in, enc[cut:])
			st = d.Process(in)
		}
		if st != decoder.Done {
			t.Fatalf("cut %d: Process = %v, want DONE", cut, st)
		}
		if got := d.Get(); got != want {
			t.Errorf("cut %d: Get = %d, want %d", cut, got, want)
		}
	}
}

func TestIntByteAtATime(t *testing.T) {
	d := decoder.NewInt()
	in := cursor.New(4)
	enc := []byte{0, 0, 1, 2}
	for i, b := range enc {
		feed(t, in, []byte{b})
		st := d.Process(in)
		want := decoder.NeedsMore
		if i == len(enc)-1 {
			want = decoder.Done
		}
		if st != want {
			t.Fatalf("byte %d: Process = %v, want %v", i, st, want)
		}
	}
	if got := d.Get(); got != 258 {
		t.Errorf("Get = %d, want 258", got)
	}
}

func TestStringLeavesTrailingInput(t *testing.T) {
	d := decoder.NewString(decoder.DefaultMaxLen, false)
	in := cursor.New(64)
	feed(t, in, lengthPrefixed("hello"))
	feed(t, in, []byte("next"))

	if st := d.Process(in); st != decoder.Done {
		t.Fatalf("Process = %v, want DONE", st)
	}
	if got := d.Get(); got != "hello" {
		t.Errorf("Get = %q, want %q", got, "hello")
	}
	if got := string(in.Bytes()); got != "next" {
		t.Errorf("remaining input = %q, want %q", got, "next")
	}
}

func TestStringEmpty(t *testing.T) {
	d := decoder.NewString(4, false)
	in := cursor.New(8)
	feed(t, in, lengthPrefixed(""))
	if st := d.Process(in); st != decoder.Done {
		t.Fatalf("Process = %v, want DONE", st)
	}
	if got := d.Get(); got != "" {
		t.Errorf("Get = %q, want empty", got)
	}
}

func TestStringMalformed(t *testing.T) {
	tests := []struct {
		name   string
		length int32
		want   error
	}{
		{"negative", -1, decoder.ErrNegativeLength},
		{"min", -2147483648, decoder.ErrNegativeLength},
		{"above max", 1025, decoder.ErrFieldTooLarge},
		{"huge", 1 << 30, decoder.ErrFieldTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := decoder.NewString(1024, false)
			in := cursor.New(16)
			feed(t, in, binary.BigEndian.AppendUint32(nil, uint32(tc.length)))
			feed(t, in, []byte("xyz"))

			if st := d.Process(in); st != decoder.Malformed {
				t.Fatalf("Process = %v, want MALFORMED", st)
			}
			if err := d.Err(); !errors.Is(err, tc.want) {
				t.Errorf("Err = %v, want %v", err, tc.want)
			}
			mtest.MustPanic(t, func() { d.Process(in) })
			mtest.MustPanic(t, func() { d.Get() })
		})
	}
}

func TestStringAtMax(t *testing.T) {
	d := decoder.NewString(3, false)
	in := cursor.New(16)
	feed(t, in, lengthPrefixed("abc"))
	if st := d.Process(in); st != decoder.Done {
		t.Fatalf("Process = %v, want DONE", st)
	}
	if got := d.Get(); got != "abc" {
		t.Errorf("Get = %q, want %q", got, "abc")
	}
}

func TestStringLongBody(t *testing.T) {
	want := strings.Repeat("abc", 1000)
	enc := lengthPrefixed(want)

	d := decoder.NewString(4096, true)
	in := cursor.New(512)
	for len(enc) > 0 {
		n := min(len(enc), 300)
		feed(t, in, enc[:n])
		enc = enc[n:]
		st := d.Process(in)
		if len(enc) > 0 && st != decoder.NeedsMore {
			t.Fatalf("Process with %d bytes left = %v, want NEEDS_MORE", len(enc), st)
		} else if len(enc) == 0 && st != decoder.Done {
			t.Fatalf("final Process = %v, want DONE", st)
		}
	}
	if got := d.Get(); got != want {
		t.Errorf("Get returned %d bytes, want %d", len(got), len(want))
	}

	// The grown scratch is reused after Reset.
	d.Reset()
	feed(t, in, lengthPrefixed("short"))
	if st := d.Process(in); st != decoder.Done {
		t.Fatalf("Process after Reset = %v, want DONE", st)
	}
	if got := d.Get(); got != "short" {
		t.Errorf("Get = %q, want %q", got, "short")
	}
}

func TestStringStrictUTF8(t *testing.T) {
	bad := lengthPrefixed("\xff\xfe")

	lax := decoder.NewString(8, false)
	in := cursor.New(16)
	feed(t, in, bad)
	if st := lax.Process(in); st != decoder.Done {
		t.Fatalf("lax Process = %v, want DONE", st)
	}
	if got := lax.Get(); got != "\xff\xfe" {
		t.Errorf("lax Get = %q, want raw bytes", got)
	}

	strict := decoder.NewString(8, true)
	feed(t, in, bad)
	if st := strict.Process(in); st != decoder.Malformed {
		t.Fatalf("strict Process = %v, want MALFORMED", st)
	}
	if err := strict.Err(); !errors.Is(err, decoder.ErrInvalidUTF8) {
		t.Errorf("strict Err = %v, want ErrInvalidUTF8", err)
	}
}

func TestStringResetReuse(t *testing.T) {
	d := decoder.NewString(16, false)
	in := cursor.New(64)
	feed(t, in, lengthPrefixed("one"))
	feed(t, in, lengthPrefixed("two"))

	for _, want := range []string{"one", "two"} {
		if st := d.Process(in); st != decoder.Done {
			t.Fatalf("Process = %v, want DONE", st)
		}
		if got := d.Get(); got != want {
			t.Errorf("Get = %q, want %q", got, want)
		}
		d.Reset()
	}
	if st := d.Process(in); st != decoder.NeedsMore {
		t.Errorf("Process on empty input = %v, want NEEDS_MORE", st)
	}
}

func TestGetBeforeDone(t *testing.T) {
	mtest.MustPanic(t, func() { decoder.NewInt().Get() })
	mtest.MustPanic(t, func() { decoder.NewString(4, false).Get() })
}

func TestStatusString(t *testing.T) {
	for st, want := range map[decoder.Status]string{
		decoder.NeedsMore: "NEEDS_MORE",
		decoder.Done:      "DONE",
		decoder.Malformed: "MALFORMED",
		decoder.Status(9): "status 9",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(st), got, want)
		}
	}
}
