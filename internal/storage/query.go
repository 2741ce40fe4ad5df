package storage

import (
	"strconv"
	"strings"

	"github.com/SirClappington/jobq/internal/domain"
)

// listQuery renders the filtered, newest-first page query for ListJobs.
func listQuery(f domain.ListFilter) (string, []any) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(string(*f.Status)))
	}
	if f.JobType != "" {
		where = append(where, "job_type = "+arg(f.JobType))
	}

	var b strings.Builder
	b.WriteString("SELECT " + jobColumns + " FROM queue_jobs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	b.WriteString(" LIMIT " + arg(f.Limit))
	b.WriteString(" OFFSET " + arg(f.Offset))
	return b.String(), args
}
