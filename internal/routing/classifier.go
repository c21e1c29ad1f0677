// Package routing decides which delivery channel each data result set takes.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// WarnJoinHintsFromPrimaryKey is emitted when no explicit join hints exist.
const WarnJoinHintsFromPrimaryKey = "join hints resolved from primary key"

// Decision is the routing outcome for one result set.
type Decision struct {
	Index      int      `json:"index"`
	Engine     bool     `json:"engine"`
	Display    bool     `json:"display"`
	Reason     string   `json:"reason"`
	TableName  string   `json:"tableName"`
	TableKind  string   `json:"tableKind,omitempty"`
	PrimaryKey []string `json:"primaryKey,omitempty"`
	JoinHints  []string `json:"joinHints,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Delivery returns the channel the decision encodes.
func (d Decision) Delivery() core.Delivery {
	switch {
	case d.Engine && d.Display:
		return core.DeliveryBoth
	case d.Engine:
		return core.DeliveryEngine
	case d.Display:
		return core.DeliveryDisplay
	default:
		return core.DeliveryNone
	}
}

// Classify routes one result set. It reports false when neither the schema
// nor the hint declares a usable delivery; no channel is guessed.
func Classify(schema core.ResultSetSchema, hint *core.ResultSetHint) (Decision, bool) {
	d := Decision{
		Index:     schema.Index,
		TableName: schema.TableName,
		TableKind: schema.TableKind,
	}

	delivery := schema.Delivery
	switch {
	case delivery != core.DeliveryNone:
		d.Reason = "schema.delivery=" + string(delivery)
	case hint != nil:
		parsed, ok := core.ParseDelivery(hint.Delivery)
		if !ok {
			return d, false
		}
		delivery = parsed
		d.Reason = "fallback.delivery=" + string(delivery)
		if core.IsPlaceholderTableName(schema.TableName, schema.Index) {
			if hint.DatasetName != "" {
				d.TableName = hint.DatasetName
			}
			if hint.TableKind != "" {
				d.TableKind = hint.TableKind
			}
		}
	default:
		return d, false
	}

	d.Engine = delivery == core.DeliveryEngine || delivery == core.DeliveryBoth
	d.Display = delivery == core.DeliveryDisplay || delivery == core.DeliveryBoth
	if d.TableName == "" {
		d.TableName = core.PlaceholderTableName(schema.Index)
	}

	d.PrimaryKey = firstNonEmpty(schema.PrimaryKey, hintList(hint, func(h *core.ResultSetHint) []string { return h.PrimaryKey }))

	switch {
	case len(schema.JoinHints) > 0:
		d.JoinHints = clone(schema.JoinHints)
	case hint != nil && len(hint.JoinHints) > 0:
		d.JoinHints = clone(hint.JoinHints)
	case len(d.PrimaryKey) > 0:
		d.JoinHints = clone(d.PrimaryKey)
		d.Warnings = append(d.Warnings, WarnJoinHintsFromPrimaryKey)
	}

	return d, true
}

// ClassifyAll routes every schema, returning the decisions in input order
// and the indexes that could not be classified.
func ClassifyAll(schemas []core.ResultSetSchema, hints map[int]core.ResultSetHint) ([]Decision, []int) {
	decisions := make([]Decision, 0, len(schemas))
	var missing []int
	for _, schema := range schemas {
		var hint *core.ResultSetHint
		if h, ok := hints[schema.Index]; ok {
			hint = &h
		}
		d, ok := Classify(schema, hint)
		if !ok {
			missing = append(missing, schema.Index)
			continue
		}
		decisions = append(decisions, d)
	}
	sort.Ints(missing)
	return decisions, missing
}

// MetadataRequiredError builds the fail-closed error for unclassifiable
// result sets, with remediation text.
func MetadataRequiredError(procedure string, missing []int) *core.ToolError {
	parts := make([]string, len(missing))
	for i, idx := range missing {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return core.NewToolError(core.CodeSchemaMetadataRequired,
		"cannot classify result set(s) %s of %s: declare delivery (engine|display|both) for each table in RS0 "+
			"with a recordType='resultset' row, or register a result-set delivery hint for the procedure in the catalog",
		strings.Join(parts, ", "), procedure).
		WithDetail("missingResultSets", missing)
}

func hintList(hint *core.ResultSetHint, get func(*core.ResultSetHint) []string) []string {
	if hint == nil {
		return nil
	}
	return get(hint)
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return clone(l)
		}
	}
	return nil
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}
