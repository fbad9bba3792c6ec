package originfilter

import "testing"

func TestAllowedUnrestricted(t *testing.T) {
	f := Filter{RestrictToTailscale: false}
	if !f.Allowed("192.0.2.1") {
		t.Fatal("unrestricted filter rejected an address")
	}
}

func TestLoopback(t *testing.T) {
	f := Filter{RestrictToTailscale: true}
	cases := []string{"127.0.0.1", "127.0.0.1:5555", "::1", "[::1]:5555", "::ffff:127.0.0.1"}
	for _, c := range cases {
		if !f.Allowed(c) {
			t.Errorf("Allowed(%q) = false, want true", c)
		}
	}
}

func TestCGNATBoundaries(t *testing.T) {
	f := Filter{RestrictToTailscale: true}
	accept := []string{"100.64.0.0", "100.127.255.255", "100.100.1.1"}
	reject := []string{"100.63.255.255", "100.128.0.0", "192.0.2.1", "10.0.0.1"}

	for _, ip := range accept {
		if !f.Allowed(ip) {
			t.Errorf("Allowed(%q) = false, want true", ip)
		}
	}
	for _, ip := range reject {
		if f.Allowed(ip) {
			t.Errorf("Allowed(%q) = true, want false", ip)
		}
	}
}

func TestIPv6MappedIPv4IsNormalized(t *testing.T) {
	f := Filter{RestrictToTailscale: true}
	if !f.Allowed("::ffff:100.64.0.1") {
		t.Fatal("IPv6-mapped CGNAT address was rejected")
	}
}

func TestMalformedAddrRejected(t *testing.T) {
	f := Filter{RestrictToTailscale: true}
	if f.Allowed("not-an-ip") {
		t.Fatal("malformed address was accepted")
	}
}
