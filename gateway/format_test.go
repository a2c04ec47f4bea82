package gateway

import (
	"strings"
	"testing"
)

func TestToWhatsAppText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bold", in: "temos **duas opções** no centro", want: "temos *duas opções* no centro"},
		{name: "italic", in: "valor *a combinar*", want: "valor _a combinar_"},
		{name: "inline_code", in: "código `REF-123`", want: "código `REF-123`"},
		{name: "plain_passthrough", in: "sem formatação nenhuma", want: "sem formatação nenhuma"},
		{name: "empty", in: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToWhatsAppText(tt.in); got != tt.want {
				t.Errorf("ToWhatsAppText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToWhatsAppTextList(t *testing.T) {
	got := ToWhatsAppText("Opções:\n\n- Apartamento no centro\n- Casa no Água Verde")

	if !strings.Contains(got, "- Apartamento no centro") {
		t.Errorf("list items lost: %q", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("blank-line runs not collapsed: %q", got)
	}
}

func TestToWhatsAppTextLinkKeepsDestination(t *testing.T) {
	got := ToWhatsAppText("veja as [fotos](https://example.com/fotos)")

	if !strings.Contains(got, "fotos (https://example.com/fotos)") {
		t.Errorf("link destination dropped: %q", got)
	}
}
