package ledger

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/relaycore/ledgersync/internal/registry"
)

// allowedRegexFlags mirrors spec §4.3's whitelist: g, i, m, s, u, y. Go's
// regexp package understands i, m, s directly as inline flags; g, u, y have
// no regexp/syntax equivalent (g/y are JS-style global/sticky, u is unicode
// mode which Go's RE2 already is) so they are accepted for wire
// compatibility but only i/m/s affect compilation.
const allowedRegexFlags = "gimsuy"

// Clause is one equality condition in a filter or orFilter clause list.
type Clause map[string]interface{}

// Options controls queryState per spec §4.3.
type Options struct {
	ID             string
	Filter         Clause
	OrFilter       []Clause
	SortBy         string
	SortDir        string // "asc" or "desc", default "asc"
	IncludeDeleted bool
	DateField      string
	DateFrom       int64
	DateTo         int64
	LikeField      string
	Like           string
	RegexField     string
	Regex          string
	RegexFlags     string
	CursorValue    interface{}
	CursorID       string
	Limit          int
	Offset         int
}

const maxQueryLimit = 20000
const maxOrFilterClauses = 50

// Validate enforces the pairing/bound rules from spec §4.3/§6: like/likeField
// and regex/regexField must come together, regex_flags must be a subset of
// gimsuy, cursor requires sort_by, date_from <= date_to, filter must not be
// empty-but-present, or_filter has at most 50 clauses.
func (o *Options) Validate() error {
	if o.Filter != nil && len(o.Filter) == 0 {
		return fmt.Errorf("ledger: empty filter is rejected")
	}
	if len(o.OrFilter) > maxOrFilterClauses {
		return fmt.Errorf("ledger: or_filter has %d clauses, max %d", len(o.OrFilter), maxOrFilterClauses)
	}
	if (o.LikeField == "") != (o.Like == "") {
		return fmt.Errorf("ledger: like and like_field must be supplied together")
	}
	if (o.RegexField == "") != (o.Regex == "") {
		return fmt.Errorf("ledger: regex and regex_field must be supplied together")
	}
	for _, f := range o.RegexFlags {
		if !strings.ContainsRune(allowedRegexFlags, f) {
			return fmt.Errorf("ledger: regex_flags contains disallowed flag %q", string(f))
		}
	}
	if (o.CursorValue != nil || o.CursorID != "") && o.SortBy == "" {
		return fmt.Errorf("ledger: cursor pagination requires sort_by")
	}
	if o.DateField != "" && o.DateFrom > o.DateTo && o.DateTo != 0 {
		return fmt.Errorf("ledger: date_from must be <= date_to")
	}
	if o.Limit > maxQueryLimit {
		return fmt.Errorf("ledger: limit %d exceeds max %d", o.Limit, maxQueryLimit)
	}
	return nil
}

// matcher builds a func(row) bool exactly like the teacher's
// Evaluator.ToMatcher pattern (internal/query/evaluator.go), generalized
// from one hardcoded models.Issue to any registry.Row.
func (o *Options) matcher() (func(registry.Row) bool, error) {
	var re *regexp.Regexp
	if o.Regex != "" {
		var inline string
		for _, f := range o.RegexFlags {
			if f == 'i' || f == 'm' || f == 's' {
				inline += string(f)
			}
		}
		pattern := o.Regex
		if inline != "" {
			pattern = "(?" + inline + ")" + pattern
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("ledger: invalid regex: %w", err)
		}
		re = compiled
	}

	return func(row registry.Row) bool {
		if !o.IncludeDeleted {
			if deletedAt, ok := row["deleted_at"]; ok && deletedAt != nil {
				return false
			}
		}
		if o.ID != "" {
			if id, _ := row["id"].(string); id != o.ID {
				return false
			}
		}
		if o.Filter != nil && !matchesClause(row, o.Filter) {
			return false
		}
		if len(o.OrFilter) > 0 {
			matched := false
			for _, clause := range o.OrFilter {
				if matchesClause(row, clause) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		if o.DateField != "" {
			v, ok := asInt64(row[o.DateField])
			if !ok {
				return false
			}
			if o.DateFrom != 0 && v < o.DateFrom {
				return false
			}
			if o.DateTo != 0 && v > o.DateTo {
				return false
			}
		}
		if o.Like != "" {
			s, _ := row[o.LikeField].(string)
			if !strings.Contains(strings.ToLower(s), strings.ToLower(o.Like)) {
				return false
			}
		}
		if re != nil {
			s, _ := row[o.RegexField].(string)
			if !re.MatchString(s) {
				return false
			}
		}
		return true
	}, nil
}

func matchesClause(row registry.Row, clause Clause) bool {
	for field, want := range clause {
		if row[field] != want {
			return false
		}
	}
	return true
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// QueryState implements spec §4.3's queryState(table, opts) contract against
// the Ledger Engine's in-memory materialized state, without scanning the
// change log.
func (e *Engine) QueryState(table string, opts Options) ([]registry.Row, error) {
	if !e.reg.IsSyncTable(table) {
		return nil, fmt.Errorf("ledger: unknown table %q", table)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	match, err := opts.matcher()
	if err != nil {
		return nil, err
	}

	e.stateMu.RLock()
	rows := make([]registry.Row, 0, len(e.state[table]))
	for _, row := range e.state[table] {
		if match(row) {
			rows = append(rows, cloneRow(row))
		}
	}
	e.stateMu.RUnlock()

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	desc := opts.SortDir == "desc"
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i][sortBy], rows[j][sortBy]
		if a == b {
			idA, _ := rows[i]["id"].(string)
			idB, _ := rows[j]["id"].(string)
			return idA < idB // deterministic tie-break by id ascending
		}
		less := lessValue(a, b)
		if desc {
			return !less
		}
		return less
	})

	if opts.CursorValue != nil || opts.CursorID != "" {
		rows = applyCursor(rows, sortBy, opts.CursorValue, opts.CursorID, desc)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[opts.Offset:]
		}
	}

	limit := opts.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func applyCursor(rows []registry.Row, sortBy string, cursorValue interface{}, cursorID string, desc bool) []registry.Row {
	idx := sort.Search(len(rows), func(i int) bool {
		v, id := rows[i][sortBy], idAt(rows[i])
		if v == cursorValue {
			if desc {
				return id < cursorID
			}
			return id > cursorID
		}
		if desc {
			return lessValue(v, cursorValue)
		}
		return lessValue(cursorValue, v)
	})
	if idx >= len(rows) {
		return nil
	}
	return rows[idx:]
}

func idAt(row registry.Row) string {
	id, _ := row["id"].(string)
	return id
}

func lessValue(a, b interface{}) bool {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv
	case int64:
		bv, _ := asInt64(b)
		return av < bv
	case int:
		bv, _ := asInt64(b)
		return int64(av) < bv
	case float64:
		bv, ok := b.(float64)
		if !ok {
			bi, _ := asInt64(b)
			bv = float64(bi)
		}
		return av < bv
	case bool:
		bv, _ := b.(bool)
		return !av && bv
	default:
		return fmt.Sprint(a) < fmt.Sprint(b)
	}
}
