// Package ledger abstracts access to the distributed ledger network. It
// provides the Client interface implemented for EVM compatible chains, and
// the connection Pool that single-flights connection establishment per
// logical owner so concurrent payments for the same payer never race on
// connection setup or sequence-counter reads.
package ledger
