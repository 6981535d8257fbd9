package redirect

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Spec
		wantErr bool
	}{
		{"valid", "8888:kdc.example.com:88", Spec{8888, "kdc.example.com", 88}, false},
		{"ip host", "1088:127.0.0.1:1089", Spec{1088, "127.0.0.1", 1089}, false},
		{"ephemeral local", "0:localhost:53", Spec{0, "localhost", 53}, false},
		{"non-numeric local", "abc:host:123", Spec{}, true},
		{"non-numeric remote", "88:host:kdc", Spec{}, true},
		{"signed port", "+88:host:88", Spec{}, true},
		{"too few fields", "88:host", Spec{}, true},
		{"too many fields", "88:host:88:extra", Spec{}, true},
		{"empty host", "88::88", Spec{}, true},
		{"port out of range", "70000:host:88", Spec{}, true},
		{"zero remote", "88:host:0", Spec{}, true},
		{"empty", "", Spec{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %+v", tc.input, got)
				}
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("error %v does not wrap ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
			if got.String() != tc.input {
				t.Errorf("String() = %q, want %q", got.String(), tc.input)
			}
		})
	}
}

func TestParseAuto(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    AutoSpec
		wantErr bool
	}{
		{
			name:  "valid",
			input: "8888:alice@bastion.example.com:88:kdc.internal",
			want:  AutoSpec{8888, "alice", "bastion.example.com", 88, "kdc.internal"},
		},
		{name: "missing at", input: "8888:bastion:88:kdc", wantErr: true},
		{name: "two ats", input: "8888:a@b@c:88:kdc", wantErr: true},
		{name: "empty user", input: "8888:@bastion:88:kdc", wantErr: true},
		{name: "empty tunnel host", input: "8888:alice@:88:kdc", wantErr: true},
		{name: "three fields", input: "8888:alice@bastion:88", wantErr: true},
		{name: "non-numeric local", input: "x:alice@bastion:88:kdc", wantErr: true},
		{name: "non-numeric remote", input: "8888:alice@bastion:y:kdc", wantErr: true},
		{name: "empty destination", input: "8888:alice@bastion:88:", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAuto(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("ParseAuto(%q) error = %v, want ErrMalformed", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAuto(%q) unexpected error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseAuto(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
			if got.String() != tc.input {
				t.Errorf("String() = %q, want %q", got.String(), tc.input)
			}
		})
	}
}

func TestAutoSpec_EgressSpec(t *testing.T) {
	a := AutoSpec{LocalPort: 8888, User: "alice", TunnelHost: "bastion", RemotePort: 88, DestHost: "kdc"}
	got := a.EgressSpec(9999)
	want := Spec{LocalPort: 9999, Host: "kdc", RemotePort: 88}
	if got != want {
		t.Errorf("EgressSpec = %+v, want %+v", got, want)
	}
}

func TestResolve_Literal(t *testing.T) {
	got, err := Resolve(context.Background(), "10.0.0.5", 88)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := netip.MustParseAddrPort("10.0.0.5:88")
	if got != want {
		t.Errorf("Resolve = %v, want %v", got, want)
	}
}

func TestResolve_MappedLiteralIsUnmapped(t *testing.T) {
	got, err := Resolve(context.Background(), "::ffff:10.0.0.5", 88)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Addr().Is4() {
		t.Errorf("expected IPv4 address, got %v", got)
	}
}

func TestResolve_Localhost(t *testing.T) {
	got, err := Resolve(context.Background(), "localhost", 53)
	if err != nil {
		t.Skipf("localhost does not resolve here: %v", err)
	}
	if !got.Addr().IsLoopback() {
		t.Errorf("localhost resolved to non-loopback %v", got)
	}
}

func TestHostPort(t *testing.T) {
	if got := HostPort("127.0.0.1", 88); got != "127.0.0.1:88" {
		t.Errorf("HostPort = %q", got)
	}
}
