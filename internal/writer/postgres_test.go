package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/mkoster/scavenge/internal/crawler"
)

func TestPostgresWriteInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	w, err := NewPostgresWithPool(mock, "pages", nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	page := crawler.Page{
		URL:        "https://a.test/",
		Title:      "Home",
		Text:       "welcome",
		Links:      []string{"https://a.test/b"},
		Metadata:   map[string]string{"og:type": "website"},
		StatusCode: 200,
		Depth:      0,
		CrawledAt:  now,
	}

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(
			"run-1",
			page.URL,
			page.Title,
			page.Text,
			[]byte(`["https://a.test/b"]`),
			[]byte(`{"og:type":"website"}`),
			page.StatusCode,
			page.Depth,
			page.CrawledAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, w.Write(context.Background(), "run-1", []crawler.Page{page}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWritePropagatesExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	w, err := NewPostgresWithPool(mock, "pages", nil)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pages").
		WillReturnError(errors.New("connection lost"))

	err = w.Write(context.Background(), "run-1", []crawler.Page{{URL: "https://a.test/"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insert page")
}

func TestNewPostgresWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresWithPool(mock, "pages; DROP TABLE pages", nil)
	require.Error(t, err)

	_, err = NewPostgresWithPool(nil, "pages", nil)
	require.Error(t, err)

	w, err := NewPostgresWithPool(mock, "", nil)
	require.NoError(t, err)
	require.Equal(t, "pages", w.table)
}
