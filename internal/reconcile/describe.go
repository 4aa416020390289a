package reconcile

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

// Describe summarizes how the winning version of an order differs from the
// losing one, for the conflict audit log. The free-text note is rendered
// as an inline diff; other fields as old -> new.
func Describe(loser, winner *models.Order) string {
	if loser == nil || winner == nil {
		return ""
	}

	var parts []string

	field := func(name, from, to string) {
		if from != to {
			parts = append(parts, fmt.Sprintf("%s: %q -> %q", name, from, to))
		}
	}

	field("status", string(loser.Status), string(winner.Status))
	field("productName", loser.ProductName, winner.ProductName)
	field("price", loser.Price, winner.Price)
	field("orderDate", loser.OrderDate, winner.OrderDate)

	if loser.Note != winner.Note {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(loser.Note, winner.Note, false))
		parts = append(parts, "note: "+renderDiff(diffs))
	}

	if loser.Deleted() != winner.Deleted() {
		if winner.Deleted() {
			parts = append(parts, "deleted")
		} else {
			parts = append(parts, "restored")
		}
	}

	return strings.Join(parts, "; ")
}

// renderDiff prints deletions as [-text-] and insertions as {+text+}.
func renderDiff(diffs []diffmatchpatch.Diff) string {
	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+" + d.Text + "+}")
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		}
	}

	return b.String()
}
