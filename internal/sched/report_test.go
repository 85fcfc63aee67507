package sched

import (
	"strings"
	"testing"

	"cobrabot/internal/store"
)

func TestBucketByDueDate(t *testing.T) {
	today := "2026-03-10"
	clients := []store.Client{
		{Name: "a", DueDate: "2026-03-01"},
		{Name: "b", DueDate: "2026-03-09"},
		{Name: "c", DueDate: "2026-03-10"},
		{Name: "d", DueDate: "2026-03-11"},
		{Name: "e", DueDate: "2026-03-12"},
		{Name: "far", DueDate: "2026-04-01"},
		{Name: "blank", DueDate: ""},
	}
	r := bucketByDueDate(clients, today)
	if len(r.overdue) != 2 || len(r.today) != 1 || len(r.tomorrow) != 1 || len(r.dayAfter) != 1 {
		t.Fatalf("buckets = %d/%d/%d/%d, want 2/1/1/1",
			len(r.overdue), len(r.today), len(r.tomorrow), len(r.dayAfter))
	}
	if r.empty() {
		t.Fatal("report with clients must not be empty")
	}
	if !bucketByDueDate(nil, today).empty() {
		t.Fatal("report without clients must be empty")
	}
}

func TestReportFormat(t *testing.T) {
	today := "2026-03-10"
	r := bucketByDueDate([]store.Client{
		{Name: "Ana", DueDate: "2026-03-08", PlanPrice: 10},
		{Name: "Bia", DueDate: "2026-03-10", PlanPrice: 49.90},
		{Name: "Caio", DueDate: "2026-03-11", PlanPrice: 25},
	}, today)
	text := r.format(today)

	for _, want := range []string{
		"Relatório Diário",
		"1 em atraso",
		"Ana - 2 dia(s)",
		"1 vencem hoje",
		"Bia - R$ 49,90",
		"1 vencem amanhã",
		"Caio - R$ 25,00",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "em 2 dias") {
		t.Fatalf("empty bucket rendered:\n%s", text)
	}
}

func TestReportFormatTruncatesLongSections(t *testing.T) {
	today := "2026-03-10"
	var clients []store.Client
	for i := 0; i < 8; i++ {
		clients = append(clients, store.Client{Name: "c", DueDate: today, PlanPrice: 1})
	}
	text := bucketByDueDate(clients, today).format(today)
	if !strings.Contains(text, "8 vencem hoje") {
		t.Fatalf("section count wrong:\n%s", text)
	}
	if !strings.Contains(text, "e mais 3") {
		t.Fatalf("section not truncated at five entries:\n%s", text)
	}
}
