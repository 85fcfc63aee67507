package wagate

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"already prefixed", "5511987654321", "5511987654321@s.whatsapp.net", false},
		{"local number gets prefix", "11987654321", "5511987654321@s.whatsapp.net", false},
		{"formatting stripped", "+55 (11) 98765-4321", "5511987654321@s.whatsapp.net", false},
		{"dashes and spaces", "11 98765 4321", "5511987654321@s.whatsapp.net", false},
		{"too short", "1234", "", true},
		{"letters only", "not-a-number", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizePhone(tt.raw, "55")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
