/*
Package fdb is a client for ordered, transactional key-value engines in the
style of FoundationDB.

A Database wraps one database of a native engine (see package native; the
in-memory engine lives in internal/memengine). Work happens in Transactions:
optimistic, serializable transactions with read-your-writes semantics,
conflict detection at commit and engine-driven retry advice through OnError.

# Usage

	db, err := fdb.Open(engine, fdb.DefaultOptions())
	...
	err = fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return tx.Set([]byte("hello"), []byte("world"))
	})

ReadWrite, Read and Write run a function in a retry loop and are the usual
way to use transactions. Code that drives a Transaction by hand must call
Dispose exactly when it is done with it.

# Futures

Reads return a *Future. Futures complete exactly once, from the engine
callback or from cancellation of the transaction context, and must not be
waited on from the engine's network goroutine.

# Concurrency

A Database is safe for concurrent use. A Transaction is not, except for
Cancel and Dispose which may be called from any goroutine.

# Related packages

Package tuple encodes ordered keys, package subspace manages key prefixes,
package directory maps paths to short prefixes, and package async pipelines
per-row work over range reads (see TransformRange).
*/
package fdb
