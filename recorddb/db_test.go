package recorddb

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, path, pass string) *DB {
	t.Helper()

	db, err := Open(path, pass, WithScrypt(FastScryptOptions))
	require.NoError(t, err)
	return db
}

func requireCode(t *testing.T, err error, code errcode.ErrorCode) {
	t.Helper()

	require.Error(t, err)
	got, ok := errcode.Code(err)
	require.True(t, ok, "untyped error: %v", err)
	require.Equal(t, code, got, "error: %v", err)
}

func populate(t *testing.T, db *DB) {
	t.Helper()

	err := db.Update(func(tx *Tx) error {
		if _, err := tx.PutString(KeyName, "savings"); err != nil {
			return err
		}
		if _, err := tx.PutString(KeyDescription, ""); err != nil {
			return err
		}
		if _, err := tx.PutInt(KeyChainTip, 812345); err != nil {
			return err
		}
		addrs, err := tx.CreateTable("addresses")
		if err != nil {
			return err
		}
		if _, err := addrs.Put("tb1qxyz", []byte{1, 2, 3}); err != nil {
			return err
		}
		if _, err := addrs.Put("tb1qempty", nil); err != nil {
			return err
		}
		_, err = tx.CreateTable("empty")
		return err
	})
	require.NoError(t, err)
}

// TestOpenPassphrase checks the three ways a passphrase can fail to match an
// existing store.
func TestOpenPassphrase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	encPath := filepath.Join(dir, "enc.db")
	plainPath := filepath.Join(dir, "plain.db")

	enc := openTestDB(t, encPath, "hunter2")
	require.True(t, enc.Encrypted())
	require.NoError(t, enc.Close())

	plain := openTestDB(t, plainPath, "")
	require.False(t, plain.Encrypted())
	require.NoError(t, plain.Close())

	_, err := Open(encPath, "wrong", WithScrypt(FastScryptOptions))
	requireCode(t, err, errcode.ErrInvalidPassphrase)

	_, err = Open(encPath, "", WithScrypt(FastScryptOptions))
	requireCode(t, err, errcode.ErrInvalidPassphrase)

	_, err = Open(plainPath, "hunter2", WithScrypt(FastScryptOptions))
	requireCode(t, err, errcode.ErrInvalidPassphrase)

	// The right passphrase still works after the failed attempts.
	enc = openTestDB(t, encPath, "hunter2")
	require.NoError(t, enc.Close())
}

func TestScalars(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "s.db"), "pw")
	defer db.Close()

	name, err := db.GetString(KeyName)
	require.NoError(t, err)
	require.Empty(t, name)

	changed, err := db.PutString(KeyName, "alice")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = db.PutString(KeyName, "alice")
	require.NoError(t, err)
	require.False(t, changed)

	// Storing an empty string over an unset key is a change.
	changed, err = db.PutString(KeyDescription, "")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = db.PutInt(KeyChainTip, -1)
	require.NoError(t, err)
	require.True(t, changed)

	tip, err := db.GetInt(KeyChainTip)
	require.NoError(t, err)
	require.EqualValues(t, -1, tip)

	name, err = db.GetString(KeyName)
	require.NoError(t, err)
	require.Equal(t, "alice", name)
}

func TestTables(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "t.db"), "")
	defer db.Close()

	err := db.Update(func(tx *Tx) error {
		require.False(t, tx.HasTable("rows"))
		_, ok := tx.Table("rows")
		require.False(t, ok)

		rows, err := tx.CreateTable("rows")
		require.NoError(t, err)

		added, err := rows.Insert("a", []byte("1"))
		require.NoError(t, err)
		require.True(t, added)

		added, err = rows.Insert("a", []byte("2"))
		require.NoError(t, err)
		require.False(t, added)

		changed, err := rows.Put("a", []byte("1"))
		require.NoError(t, err)
		require.False(t, changed)

		changed, err = rows.Put("b", nil)
		require.NoError(t, err)
		require.True(t, changed)

		v, err := rows.Get("b")
		require.NoError(t, err)
		require.NotNil(t, v)
		require.Empty(t, v)

		v, err = rows.Get("missing")
		require.NoError(t, err)
		require.Nil(t, v)

		require.Equal(t, 2, rows.Len())
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		rows, ok := tx.Table("rows")
		require.True(t, ok)

		var keys []string
		err := rows.ForEach(func(k string, _ []byte) error {
			keys = append(keys, k)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, keys)

		_, err = rows.Put("c", []byte("x"))
		require.ErrorIs(t, err, errReadOnly)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error {
		rows, _ := tx.Table("rows")
		existed, err := rows.Delete("a")
		require.NoError(t, err)
		require.True(t, existed)

		existed, err = rows.Delete("a")
		require.NoError(t, err)
		require.False(t, existed)

		require.NoError(t, tx.DropTable("rows"))
		require.NoError(t, tx.DropTable("rows"))
		require.False(t, tx.HasTable("rows"))
		return nil
	})
	require.NoError(t, err)
}

// TestUpdateRollback makes sure a failed update leaves no trace.
func TestUpdateRollback(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "r.db"), "pw")
	defer db.Close()

	boom := errors.New("boom")
	err := db.Update(func(tx *Tx) error {
		if _, err := tx.PutString(KeyName, "lost"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	name, err := db.GetString(KeyName)
	require.NoError(t, err)
	require.Empty(t, name)
}

func randomPassphrase(t *testing.T) string {
	t.Helper()

	b := make([]byte, 64)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return hex.EncodeToString(b)
}

// TestReKeyRoundTrip re-encrypts a store through a chain of passphrases and
// checks the logical content never changes.
func TestReKeyRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "k.db")
	db := openTestDB(t, path, "")
	populate(t, db)

	want, err := db.Snapshot()
	require.NoError(t, err)

	pass := ""
	for _, next := range []string{"abc", randomPassphrase(t), "", "abc"} {
		require.NoError(t, db.ReKey(next))
		require.Equal(t, next != "", db.Encrypted())

		got, err := db.Snapshot()
		require.NoError(t, err)
		require.JSONEq(t, string(want), string(got))

		require.NoError(t, db.Close())

		_, err = Open(path, pass+"x", WithScrypt(FastScryptOptions))
		requireCode(t, err, errcode.ErrInvalidPassphrase)

		db = openTestDB(t, path, next)
		got, err = db.Snapshot()
		require.NoError(t, err)
		require.Equal(t, want, got)

		pass = next
	}
	require.NoError(t, db.Close())
}

func TestExport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := openTestDB(t, filepath.Join(dir, "src.db"), "abc")
	defer src.Close()
	populate(t, src)

	want, err := src.Snapshot()
	require.NoError(t, err)

	for i, pass := range []string{"", "abc", randomPassphrase(t)} {
		dst := filepath.Join(dir, "dst.db")

		// Exporting twice to the same path overwrites the first copy.
		require.NoError(t, src.Export(dst, pass), "case %d", i)

		db := openTestDB(t, dst, pass)
		require.Equal(t, pass != "", db.Encrypted())

		got, err := db.Snapshot()
		require.NoError(t, err)
		require.Equal(t, want, got, "case %d", i)
		require.NoError(t, db.Close())
	}
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "m.db"), "pw")
	defer db.Close()

	var applied []uint32
	migrations := []Migration{
		{Version: 1, Apply: func(tx *Tx) error {
			applied = append(applied, 1)
			_, err := tx.PutString(KeyName, "v1")
			return err
		}},
		{Version: 2, Apply: func(tx *Tx) error {
			applied = append(applied, 2)
			name, err := tx.GetString(KeyName)
			if err != nil {
				return err
			}
			_, err = tx.PutString(KeyName, name+"+v2")
			return err
		}},
	}
	require.EqualValues(t, 2, LatestVersion(migrations))

	require.NoError(t, db.Migrate("test", migrations))
	require.Equal(t, []uint32{1, 2}, applied)

	version, err := db.Version()
	require.NoError(t, err)
	require.EqualValues(t, 2, version)

	name, err := db.GetString(KeyName)
	require.NoError(t, err)
	require.Equal(t, "v1+v2", name)

	// Running again is a no-op.
	require.NoError(t, db.Migrate("test", migrations))
	require.Equal(t, []uint32{1, 2}, applied)

	// A store newer than the code refuses to downgrade.
	require.Error(t, db.Migrate("test", migrations[:1]))
}
