package domain

import (
	"encoding/json"
	"testing"
)

func TestKeyUnmarshal(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		null bool
	}{
		{"pem string", `"-----BEGIN PUBLIC KEY-----\nMFkw\n-----END PUBLIC KEY-----"`, "-----BEGIN PUBLIC KEY-----\nMFkw\n-----END PUBLIC KEY-----", false},
		{"base64-looking string", `"BP8Q"`, "BP8Q", false},
		{"jwk object", `{"kty":"EC","crv":"P-256"}`, `{"kty":"EC","crv":"P-256"}`, false},
		{"null", `null`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var k Key
			if err := json.Unmarshal([]byte(tc.in), &k); err != nil {
				t.Fatal(err)
			}
			if string(k) != tc.want || (k == nil) != tc.null {
				t.Fatalf("got %q (nil=%v), want %q", k, k == nil, tc.want)
			}
		})
	}
}

func TestRoomJSONCarriesKeyVerbatim(t *testing.T) {
	pem := "-----BEGIN PUBLIC KEY-----"
	r := Room{ID: "g1", Name: "n", Tags: []string{}, PublicKey: []byte(pem), KeyDigest: "secret-digest", CreatorID: "c"}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["key"] != pem {
		t.Fatalf("key on the wire = %v", fields["key"])
	}
	if _, ok := fields["KeyDigest"]; ok {
		t.Fatal("digest leaked onto the wire")
	}
	if fields["creator_id"] != "c" || fields["id"] != "g1" {
		t.Fatalf("fields = %v", fields)
	}

	var back Room
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if string(back.PublicKey) != pem || back.ID != "g1" || back.CreatorID != "c" {
		t.Fatalf("decoded %+v", back)
	}
}
