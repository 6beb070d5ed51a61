package search

/* QueryBuilder transforms a SearchDoc into a SQL Query against the sessions table.
SearchDoc is a struct that represents the operator's search request.
The same builder produces the open-session lookup used at the exit gate.
*/

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"
)

type queryBuilder struct {
	conditions []string
	args       []any
	phIndex    int //tracks next placeholder index ($1, $2, ...)
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{
		conditions: []string{},
		args:       []any{},
		phIndex:    1, // Start placeholders at $1
	}
}

// NOTE: RFC3339 is a stricter version of ISO8601
func parseDateTime(dateTimeStr string) (time.Time, error) {
	layouts := []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}
	var t time.Time
	var err error
	for _, layout := range layouts {
		if t, err = time.Parse(layout, dateTimeStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date format for '%s': %w", dateTimeStr, err)
}

// nextPlaceholder generates the next placeholder string (e.g., "$1") and increments the index.
func (qb *queryBuilder) nextPlaceholder() string {
	ph := fmt.Sprintf("$%d", qb.phIndex)
	qb.phIndex++
	return ph
}

// addCondition formats and adds a condition string and its arguments to the builder.
// Takes the SQL fragment (e.g., "field = %s", "field BETWEEN %s AND %s")
// and the corresponding values.
func (qb *queryBuilder) addCondition(fragment string, values ...any) {
	placeholders := make([]any, len(values))
	for i := range values {
		placeholders[i] = qb.nextPlaceholder()
	}
	qb.conditions = append(qb.conditions, fmt.Sprintf(fragment, placeholders...))
	qb.args = append(qb.args, values...)
}

// whereClause constructs the final WHERE clause string.
func (qb *queryBuilder) whereClause() string {
	if len(qb.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(qb.conditions, " AND ")
}

// applyFilters adds all relevant filters to the queryBuilder based on the SearchDoc.
func (qb *queryBuilder) applyFilters(params SearchDoc) {

	//dates are optional here, unlike the select which requires them
	if params.StartDate != "" && params.EndDate != "" {
		sd, errS := parseDateTime(params.StartDate)
		ed, errE := parseDateTime(params.EndDate)
		if errS == nil && errE == nil {
			qb.addCondition("created_at BETWEEN %s AND %s", sd, ed)
		}
	}

	if gate := normalizeGate(params.Gate); gate != "" {
		qb.addCondition("gate = %s", gate)
	}

	if params.IsOut != nil {
		qb.addCondition("is_out = %s", *params.IsOut)
	}

	// Plate Number Filter
	if params.PlateNumber != "" {
		if strings.ContainsAny(params.PlateNumber, "%_") {
			qb.addCondition("plate_number ILIKE %s", params.PlateNumber)
		} else {
			qb.addCondition("plate_number = %s", strings.ToUpper(params.PlateNumber))
		}
	}
}

const baseSQL = `SELECT id, face_url, plate_url, plate_number, gate, is_out, created_at FROM sessions`

// NOTE: this is limit offset style paging. The session table is small enough that jumping to any page is fine.
func (qb *queryBuilder) addPagination(searchDoc SearchDoc) string {
	page := searchDoc.Page
	pageSize := searchDoc.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	offset := (page - 1) * pageSize

	limitPh := qb.nextPlaceholder()
	offsetPh := qb.nextPlaceholder()
	qb.args = append(qb.args, pageSize, offset)
	order := " ORDER BY created_at DESC, id DESC"
	return fmt.Sprintf("%s LIMIT %s OFFSET %s", order, limitPh, offsetPh)
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

//Query struct

type Query struct {
	Text   string
	Params []any
}

// BuildSelectQuery constructs the SELECT query using the internal builder.
func BuildSelectQuery(searchDoc SearchDoc) (*Query, error) {

	if (searchDoc.StartDate == "") != (searchDoc.EndDate == "") {
		return nil, fmt.Errorf("start_date and end_date must be given together")
	}
	if searchDoc.StartDate != "" {
		if _, err := parseDateTime(searchDoc.StartDate); err != nil {
			return nil, err
		}
		if _, err := parseDateTime(searchDoc.EndDate); err != nil {
			return nil, err
		}
	}
	if searchDoc.Gate != "" && normalizeGate(searchDoc.Gate) == "" {
		return nil, fmt.Errorf("gate must be In or Out, got %q", searchDoc.Gate)
	}

	qb := newQueryBuilder()
	qb.applyFilters(searchDoc) // Use the shared filter logic

	q := Query{}
	q.Text = fmt.Sprintf("%s%s%s", baseSQL, qb.whereClause(), qb.addPagination(searchDoc))
	q.Params = qb.args

	return &q, nil
}

// constructs the COUNT query using the internal builder.
func BuildCountQuery(searchDoc SearchDoc) (*Query, error) {
	qb := newQueryBuilder()
	qb.applyFilters(searchDoc)

	q := Query{}
	q.Text = fmt.Sprintf("SELECT count(*) FROM sessions%s", qb.whereClause())
	q.Params = qb.args

	return &q, nil
}

// BuildOpenSessionQuery finds the candidate entry for an exit: equality on plate
// number and gate "In", newest first, one row.
func BuildOpenSessionQuery(plateNumber string) *Query {
	qb := newQueryBuilder()
	qb.addCondition("plate_number = %s", plateNumber)
	qb.addCondition("gate = %s", "In")

	limitPh := qb.nextPlaceholder()
	qb.args = append(qb.args, 1)

	return &Query{
		Text:   fmt.Sprintf("%s%s ORDER BY created_at DESC LIMIT %s", baseSQL, qb.whereClause(), limitPh),
		Params: qb.args,
	}
}

// Matches applies the SearchDoc filters to one record. It mirrors applyFilters for
// stores that do not speak SQL.
func (s SearchDoc) Matches(rec SessionRecord) bool {
	if s.StartDate != "" && s.EndDate != "" {
		sd, errS := parseDateTime(s.StartDate)
		ed, errE := parseDateTime(s.EndDate)
		if errS == nil && errE == nil && (rec.CreatedAt.Before(sd) || rec.CreatedAt.After(ed)) {
			return false
		}
	}
	if gate := normalizeGate(s.Gate); gate != "" && rec.Gate != gate {
		return false
	}
	if s.IsOut != nil && rec.IsOut != *s.IsOut {
		return false
	}
	if s.PlateNumber != "" {
		if strings.ContainsAny(s.PlateNumber, "%_") {
			if !likeMatch(s.PlateNumber, rec.PlateNumber) {
				return false
			}
		} else if rec.PlateNumber != strings.ToUpper(s.PlateNumber) {
			return false
		}
	}
	return true
}

// Window returns the [offset, end) slice bounds for a result set of n records.
func (s SearchDoc) Window(n int) (int, int) {
	page, size := s.Page, s.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	start := (page - 1) * size
	if start > n {
		start = n
	}
	end := start + size
	if end > n {
		end = n
	}
	return start, end
}

// CalculateTotalPages returns how many pages totalCount records fill.
func CalculateTotalPages(totalCount int64, pageSize int) int {
	if totalCount <= 0 {
		return 0
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return int(math.Ceil(float64(totalCount) / float64(pageSize)))
}

func normalizeGate(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "in":
		return "In"
	case "out":
		return "Out"
	default:
		return ""
	}
}

// likeMatch evaluates a case-insensitive SQL LIKE pattern (% and _).
func likeMatch(pattern, s string) bool {
	glob := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`, "%", "*", "_", "?").Replace(strings.ToUpper(pattern))
	ok, err := path.Match(glob, strings.ToUpper(s))
	return err == nil && ok
}
