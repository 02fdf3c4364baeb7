package nftables

import nft "github.com/google/nftables"

// Conn is the subset of *nftables.Conn the driver uses, extracted so rule
// intent can be verified in tests without a netlink socket.
type Conn interface {
	ListTables() ([]*nft.Table, error)
	AddTable(t *nft.Table) *nft.Table
	DelTable(t *nft.Table)
	AddChain(c *nft.Chain) *nft.Chain
	AddRule(r *nft.Rule) *nft.Rule
	Flush() error
	CloseLasting() error
}
