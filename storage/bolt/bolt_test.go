package bolt

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cupboarddb/cupboard/storage"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(filepath.Join(t.TempDir(), "test.db"), storage.EnvOptions{AllowCreate: true, Transactional: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func pk(n byte) []byte {
	return bytes.Repeat([]byte{n}, storage.PrimaryKeySize)
}

// identityCreator indexes a record by its whole value.
func identityCreator(pkey, value []byte) ([]byte, bool) {
	if len(value) == 0 {
		return nil, false
	}
	return value, true
}

func TestPutGetDelete(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDB("t", storage.DBOptions{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}

	if st, err := db.Put([]byte("k"), []byte("v"), nil); err != nil || st != storage.StatusSuccess {
		t.Fatalf("Put = %v, %v", st, err)
	}
	v, found, err := db.Get([]byte("k"), nil)
	if err != nil || !found || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("Get = %q, %v, %v; wanted v", v, found, err)
	}
	if st, err := db.Delete([]byte("k"), nil); err != nil || st != storage.StatusSuccess {
		t.Fatalf("Delete = %v, %v", st, err)
	}
	if _, found, _ := db.Get([]byte("k"), nil); found {
		t.Fatalf("Get after Delete found the key")
	}
	if st, _ := db.Delete([]byte("k"), nil); st != storage.StatusNotFound {
		t.Fatalf("Delete of a missing key = %v, wanted NOTFOUND", st)
	}
}

func TestSecondaryMaintenance(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDB("t", storage.DBOptions{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	sec, err := env.OpenSecondaryDB("t:v", db, storage.SecDBOptions{
		AllowCreate: true,
		KeyCreator:  identityCreator,
	})
	if err != nil {
		t.Fatal(err)
	}

	db.Put(pk(1), []byte("a"), nil)
	got, found, err := sec.Get([]byte("a"), nil)
	if err != nil || !found || !bytes.Equal(got, pk(1)) {
		t.Fatalf("sec.Get(a) = %x, %v, %v; wanted pk(1)", got, found, err)
	}

	// Update moves the index entry.
	db.Put(pk(1), []byte("b"), nil)
	if _, found, _ := sec.Get([]byte("a"), nil); found {
		t.Fatalf("stale index entry for a")
	}
	if got, found, _ := sec.Get([]byte("b"), nil); !found || !bytes.Equal(got, pk(1)) {
		t.Fatalf("sec.Get(b) = %x, %v; wanted pk(1)", got, found)
	}

	// Delete removes it.
	db.Delete(pk(1), nil)
	if _, found, _ := sec.Get([]byte("b"), nil); found {
		t.Fatalf("index entry survived primary delete")
	}
}

func TestDuplicateSecondaryCursor(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDB("t", storage.DBOptions{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	sec, err := env.OpenSecondaryDB("t:v", db, storage.SecDBOptions{
		AllowCreate:      true,
		SortedDuplicates: true,
		KeyCreator:       identityCreator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sec.SortedDuplicates() {
		t.Fatalf("SortedDuplicates = false, wanted true")
	}

	db.Put(pk(1), []byte("a"), nil)
	db.Put(pk(2), []byte("a"), nil)
	db.Put(pk(3), []byte("b"), nil)

	cur, err := sec.Cursor(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()

	key, p, ok, err := cur.Search([]byte("a"), true, storage.LockReadUncommitted)
	if err != nil || !ok || !bytes.Equal(key, []byte("a")) || !bytes.Equal(p, pk(1)) {
		t.Fatalf("Search(a) = %q, %x, %v, %v; wanted a/pk(1)", key, p, ok, err)
	}
	key, p, ok, err = cur.Next()
	if err != nil || !ok || !bytes.Equal(key, []byte("a")) || !bytes.Equal(p, pk(2)) {
		t.Fatalf("Next = %q, %x, %v, %v; wanted a/pk(2)", key, p, ok, err)
	}
	key, _, ok, _ = cur.Next()
	if !ok || !bytes.Equal(key, []byte("b")) {
		t.Fatalf("Next past dup set = %q, %v; wanted b", key, ok)
	}

	if _, _, ok, _ := cur.Search([]byte("zz"), true, storage.LockReadUncommitted); ok {
		t.Fatalf("exact Search of a missing key succeeded")
	}
}

func TestScanOperators(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDB("t", storage.DBOptions{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	sec, err := env.OpenSecondaryDB("t:v", db, storage.SecDBOptions{
		AllowCreate:      true,
		SortedDuplicates: true,
		KeyCreator:       identityCreator,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range []string{"a", "b", "c", "d"} {
		db.Put(pk(byte(i+1)), []byte(v), nil)
	}

	tests := []struct {
		op    storage.RangeOp
		bound string
		want  []string
	}{
		{storage.OpGE, "b", []string{"b", "c", "d"}},
		{storage.OpGT, "b", []string{"c", "d"}},
		{storage.OpLE, "b", []string{"a", "b"}},
		{storage.OpLT, "b", []string{"a"}},
		{storage.OpEQ, "b", []string{"b"}},
		{storage.OpGT, "d", nil},
	}
	for _, tt := range tests {
		cur, err := sec.Cursor(nil)
		if err != nil {
			t.Fatal(err)
		}
		it, err := cur.Scan([]byte(tt.bound), tt.op, storage.LockReadUncommitted)
		if err != nil {
			t.Fatal(err)
		}
		var got []string
		for {
			key, _, ok, err := it.Next()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			got = append(got, string(key))
		}
		it.Close()
		cur.Close()
		if len(got) != len(tt.want) {
			t.Fatalf("Scan(%v %q) = %v, wanted %v", tt.op, tt.bound, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("Scan(%v %q) = %v, wanted %v", tt.op, tt.bound, got, tt.want)
			}
		}
	}
}

func TestJoinCursorIntersection(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDB("t", storage.DBOptions{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	// Index the first and second halves of two-letter values separately.
	first, err := env.OpenSecondaryDB("t:first", db, storage.SecDBOptions{
		AllowCreate:      true,
		SortedDuplicates: true,
		KeyCreator: func(pkey, value []byte) ([]byte, bool) {
			return value[:1], true
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.OpenSecondaryDB("t:second", db, storage.SecDBOptions{
		AllowCreate:      true,
		SortedDuplicates: true,
		KeyCreator: func(pkey, value []byte) ([]byte, bool) {
			return value[1:], true
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	db.Put(pk(1), []byte("ax"), nil)
	db.Put(pk(2), []byte("ay"), nil)
	db.Put(pk(3), []byte("bx"), nil)
	db.Put(pk(4), []byte("ax"), nil)

	// first=a ∩ second=x -> pk(1), pk(4)
	c1, err := first.Cursor(nil)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := second.Cursor(nil)
	if err != nil {
		t.Fatal(err)
	}
	k1, p1, ok, err := c1.Search([]byte("a"), true, storage.LockReadUncommitted)
	if err != nil || !ok {
		t.Fatal(err)
	}
	k2, p2, ok, err := c2.Search([]byte("x"), true, storage.LockReadUncommitted)
	if err != nil || !ok {
		t.Fatal(err)
	}

	jc, err := env.OpenJoinCursor([]storage.Cursor{c1, c2}, []storage.JoinEntry{{Key: k1, PKey: p1}, {Key: k2, PKey: p2}})
	if err != nil {
		t.Fatal(err)
	}
	defer jc.Close()

	var got [][]byte
	for {
		p, ok, err := jc.Next(storage.LockReadUncommitted)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, p)
	}
	if len(got) != 2 || !bytes.Equal(got[0], pk(1)) || !bytes.Equal(got[1], pk(4)) {
		t.Fatalf("join = %x, wanted [pk(1) pk(4)]", got)
	}
}

func TestRemoveDBAndDatabaseNames(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDB("t", storage.DBOptions{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.OpenSecondaryDB("t:v", db, storage.SecDBOptions{AllowCreate: true, KeyCreator: identityCreator}); err != nil {
		t.Fatal(err)
	}

	names, err := env.DatabaseNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("DatabaseNames = %v, wanted [t t:v]", names)
	}

	if err := env.RemoveDB("t:v", nil); err != nil {
		t.Fatal(err)
	}
	if err := env.RemoveDB("t", nil); err != nil {
		t.Fatal(err)
	}
	names, err = env.DatabaseNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("DatabaseNames after RemoveDB = %v, wanted none", names)
	}

	// Removing a missing database is a no-op.
	if err := env.RemoveDB("t", nil); err != nil {
		t.Fatal(err)
	}
}

func TestTxnStatusTransitions(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDB("t", storage.DBOptions{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}

	txn, err := env.BeginTxn(storage.TxnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if st := txn.Status(); st != storage.TxnOpen {
		t.Fatalf("fresh txn status = %v", st)
	}
	if _, err := db.Put([]byte("k"), []byte("v"), txn); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	if st := txn.Status(); st != storage.TxnCommitted {
		t.Fatalf("status after commit = %v", st)
	}
	if _, found, _ := db.Get([]byte("k"), nil); !found {
		t.Fatalf("committed write not visible")
	}

	txn, err = env.BeginTxn(storage.TxnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Put([]byte("k2"), []byte("v"), txn); err != nil {
		t.Fatal(err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatal(err)
	}
	if st := txn.Status(); st != storage.TxnAborted {
		t.Fatalf("status after abort = %v", st)
	}
	if _, found, _ := db.Get([]byte("k2"), nil); found {
		t.Fatalf("aborted write visible")
	}
}
