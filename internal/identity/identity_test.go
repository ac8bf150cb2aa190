package identity

import "testing"

func TestFromPhoneDeterministic(t *testing.T) {
	deriver := NewDeriver("test-salt")

	a, err := deriver.FromPhone("+919876543210")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := deriver.FromPhone("+919876543210")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("same phone must derive the same identity: %s != %s", a, b)
	}
}

func TestFromPhoneNormalizesFormatting(t *testing.T) {
	deriver := NewDeriver("test-salt")

	variants := []string{
		"+91 98765 43210",
		"+91-98765-43210",
		"(+91) 98765 43210",
		"+919876543210",
	}

	base, err := deriver.FromPhone(variants[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range variants[1:] {
		got, err := deriver.FromPhone(v)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", v, err)
		}
		if got != base {
			t.Fatalf("formatting variant %q derived a different identity", v)
		}
	}
}

func TestFromPhoneSaltChangesIdentity(t *testing.T) {
	a, _ := NewDeriver("salt-a").FromPhone("+919876543210")
	b, _ := NewDeriver("salt-b").FromPhone("+919876543210")
	if a == b {
		t.Fatalf("different salts must derive different identities")
	}
}

func TestFromPhoneRejectsShortNumbers(t *testing.T) {
	deriver := NewDeriver("test-salt")

	for _, phone := range []string{"", "123", "98-76", "   "} {
		if _, err := deriver.FromPhone(phone); err == nil {
			t.Fatalf("expected error for %q", phone)
		}
	}
}
