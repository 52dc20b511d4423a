package postgres

import (
	"strconv"
	"strings"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// listQuery assembles a paginated SELECT with positional arguments.
type listQuery struct {
	base    string
	where   []string
	args    []any
	timeCol string
}

func newListQuery(base, timeCol string) *listQuery {
	return &listQuery{base: base, timeCol: timeCol}
}

// arg registers v and returns its placeholder.
func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *listQuery) and(cond string) {
	q.where = append(q.where, cond)
}

// build applies the time window of opts, orders newest first and paginates.
func (q *listQuery) build(opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		q.and(q.timeCol + " >= " + q.arg(*opts.Since))
	}
	if opts.Until != nil {
		q.and(q.timeCol + " <= " + q.arg(*opts.Until))
	}

	var b strings.Builder
	b.WriteString(q.base)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	b.WriteString(" ORDER BY " + q.timeCol + " DESC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET " + q.arg(opts.Offset))
	}
	return b.String(), q.args
}
