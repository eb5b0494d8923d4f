package models

import "testing"

func TestParseFormatKey(t *testing.T) {
	cases := []struct {
		key     string
		want    FormatID
		wantErr bool
	}{
		{key: "137-162000.0-", want: FormatID{Itag: 137, LastModified: "162000.0"}},
		{key: "251-1716500000123456-drc", want: FormatID{Itag: 251, LastModified: "1716500000123456", Xtags: "drc"}},
		{key: "140--", want: FormatID{Itag: 140}},
		{key: "notanitag-0-", wantErr: true},
		{key: "140", wantErr: true},
		{key: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseFormatKey(tc.key)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseFormatKey(%q): expected error, got %+v", tc.key, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFormatKey(%q): unexpected error: %v", tc.key, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFormatKey(%q) = %+v, want %+v", tc.key, got, tc.want)
		}
	}
}

func TestFormatKeyRoundTrip(t *testing.T) {
	keys := []string{"137-162000.0-", "251-1716500000123456-drc", "140-0-"}
	for _, key := range keys {
		id, err := ParseFormatKey(key)
		if err != nil {
			t.Fatalf("ParseFormatKey(%q): %v", key, err)
		}
		if id.Key() != key {
			t.Errorf("round trip %q -> %q", key, id.Key())
		}
	}
}

func TestFormatIDEqualNormalizesLastModified(t *testing.T) {
	a := FormatID{Itag: 137, LastModified: "162000.0"}
	b := FormatID{Itag: 137, LastModified: "162000"}
	if !a.Equal(b) {
		t.Errorf("expected %+v and %+v to compare equal", a, b)
	}

	c := FormatID{Itag: 137, LastModified: "162001"}
	if a.Equal(c) {
		t.Errorf("expected %+v and %+v to differ", a, c)
	}

	d := FormatID{Itag: 137, LastModified: "162000", Xtags: "drc"}
	if a.Equal(d) {
		t.Errorf("xtags mismatch must not compare equal")
	}
}

func TestLastModifiedUint(t *testing.T) {
	cases := map[string]uint64{
		"":                 0,
		"162000.0":         162000,
		"1716500000123456": 1716500000123456,
		"junk":             0,
	}
	for in, want := range cases {
		got := FormatID{LastModified: in}.LastModifiedUint()
		if got != want {
			t.Errorf("LastModifiedUint(%q) = %d, want %d", in, got, want)
		}
	}
}
