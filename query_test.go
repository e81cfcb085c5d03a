package cupboard

import (
	"testing"
)

func setupLibrary(t *testing.T) *Cupboard {
	t.Helper()
	cb := testCupboard(t)
	addBook(t, cb, libShape, "A", "1", 2000)
	addBook(t, cb, libShape, "B", "2", 2001)
	addBook(t, cb, libShape, "A", "3", 2002)
	return cb
}

func TestNaturalJoinQuery(t *testing.T) {
	cb := setupLibrary(t)

	recs, err := cb.Query([]Clause{
		{Op: OpEQ, Index: "title", Value: "A"},
		{Op: OpEQ, Index: "year", Value: 2002},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := isbnsOf(recs); !sameSet(got, []string{"3"}) {
		t.Fatalf("natural join = %v, wanted {3}", got)
	}
}

func TestNaturalJoinEqualsIntersectionOfRetrievals(t *testing.T) {
	cb := setupLibrary(t)
	addBook(t, cb, libShape, "A", "4", 2002)

	joined, err := cb.Query([]Clause{
		{Op: OpEQ, Index: "title", Value: "A"},
		{Op: OpEQ, Index: "year", Value: 2002},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatal(err)
	}

	byTitle, err := cb.Retrieve("title", "A", RetrieveOptions{ShelfName: "library"})
	if err != nil {
		t.Fatal(err)
	}
	byYear, err := cb.Retrieve("year", 2002, RetrieveOptions{ShelfName: "library"})
	if err != nil {
		t.Fatal(err)
	}
	inYear := make(map[PrimaryKey]bool)
	for _, r := range byYear {
		inYear[r.PrimaryKey()] = true
	}
	var want []string
	for _, r := range byTitle {
		if inYear[r.PrimaryKey()] {
			v, _ := r.Get("isbn")
			want = append(want, v.(string))
		}
	}

	if got := isbnsOf(joined); !sameSet(got, want) {
		t.Fatalf("natural join = %v, intersection of retrievals = %v", got, want)
	}
}

func TestNaturalJoinEmptyClause(t *testing.T) {
	cb := setupLibrary(t)

	recs, err := cb.Query([]Clause{
		{Op: OpEQ, Index: "title", Value: "A"},
		{Op: OpEQ, Index: "year", Value: 1900},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("join with an empty clause = %v, wanted none", isbnsOf(recs))
	}
}

func TestRangeJoinQuery(t *testing.T) {
	cb := setupLibrary(t)

	recs, err := cb.Query([]Clause{
		{Op: OpGE, Index: "year", Value: 2001},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := isbnsOf(recs); !sameSet(got, []string{"2", "3"}) {
		t.Fatalf("range join >= 2001 = %v, wanted {2 3}", got)
	}
}

func TestRangeJoinOperators(t *testing.T) {
	cb := setupLibrary(t)

	tests := []struct {
		op   Op
		year int
		want []string
	}{
		{OpGT, 2000, []string{"2", "3"}},
		{OpGT, 2002, nil},
		{OpGE, 2002, []string{"3"}},
		{OpLT, 2001, []string{"1"}},
		{OpLE, 2001, []string{"1", "2"}},
	}
	for _, tt := range tests {
		recs, err := cb.Query([]Clause{{Op: tt.op, Index: "year", Value: tt.year}}, QueryOptions{ShelfName: "library"})
		if err != nil {
			t.Fatalf("Query(%v %d): %v", tt.op, tt.year, err)
		}
		if got := isbnsOf(recs); !sameSet(got, tt.want) {
			t.Fatalf("Query(year %v %d) = %v, wanted %v", tt.op, tt.year, got, tt.want)
		}
	}
}

func TestRangeJoinFiltersByEveryClause(t *testing.T) {
	cb := setupLibrary(t)

	recs, err := cb.Query([]Clause{
		{Op: OpGE, Index: "year", Value: 2001},
		{Op: OpEQ, Index: "title", Value: "A"},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := isbnsOf(recs); !sameSet(got, []string{"3"}) {
		t.Fatalf("range join (>= year 2001)(= title A) = %v, wanted {3}", got)
	}
	for _, r := range recs {
		year, _ := r.Get("year")
		title, _ := r.Get("title")
		if year.(int64) < 2001 || title.(string) != "A" {
			t.Fatalf("record %v violates a clause", r.Fields())
		}
	}
}

func TestQueryLimit(t *testing.T) {
	cb := setupLibrary(t)

	recs, err := cb.Query([]Clause{
		{Op: OpGE, Index: "year", Value: 2000},
	}, QueryOptions{ShelfName: "library", Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Query with Limit 2 returned %d records", len(recs))
	}
}

func TestQueryCallback(t *testing.T) {
	cb := setupLibrary(t)

	var seen int
	recs, err := cb.Query([]Clause{
		{Op: OpGE, Index: "year", Value: 2000},
	}, QueryOptions{
		ShelfName: "library",
		Callback: func(r *Record) *Record {
			seen++
			if title, _ := r.Get("title"); title == "B" {
				return nil // drop
			}
			return r
		},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if seen != 3 {
		t.Fatalf("callback saw %d records, wanted 3", seen)
	}
	if got := isbnsOf(recs); !sameSet(got, []string{"1", "3"}) {
		t.Fatalf("callback-filtered result = %v, wanted {1 3}", got)
	}
}

func TestQueryUserPredicate(t *testing.T) {
	cb := setupLibrary(t)

	odd := func(fieldValue, bound any) bool {
		v, ok := fieldValue.(int64)
		return ok && v%2 == 1
	}
	recs, err := cb.Query([]Clause{
		{Index: "year", Pred: odd},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := isbnsOf(recs); !sameSet(got, []string{"2"}) {
		t.Fatalf("predicate query = %v, wanted {2}", got)
	}
}

func TestQueryUnindexedClauseFails(t *testing.T) {
	cb := setupLibrary(t)

	_, err := cb.Query([]Clause{
		{Op: OpEQ, Index: "publisher", Value: "x"},
	}, QueryOptions{ShelfName: "library"})
	if _, ok := err.(*UnindexedFieldError); !ok {
		t.Fatalf("Query(publisher) = %v, wanted UnindexedFieldError", err)
	}
}

func TestQueryOnMemBackend(t *testing.T) {
	cb, _ := memCupboard(t)
	addBook(t, cb, libShape, "A", "1", 2000)
	addBook(t, cb, libShape, "B", "2", 2001)
	addBook(t, cb, libShape, "A", "3", 2002)

	recs, err := cb.Query([]Clause{
		{Op: OpEQ, Index: "title", Value: "A"},
		{Op: OpEQ, Index: "year", Value: 2002},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatal(err)
	}
	if got := isbnsOf(recs); !sameSet(got, []string{"3"}) {
		t.Fatalf("natural join on memtest = %v, wanted {3}", got)
	}

	recs, err = cb.Query([]Clause{
		{Op: OpGE, Index: "year", Value: 2001},
	}, QueryOptions{ShelfName: "library"})
	if err != nil {
		t.Fatal(err)
	}
	if got := isbnsOf(recs); !sameSet(got, []string{"2", "3"}) {
		t.Fatalf("range join on memtest = %v, wanted {2 3}", got)
	}
}
