package nftables

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"

	nft "github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"

	"tunguard/domain/netstate"
)

const (
	egressTable  = "tunguard_egress"
	gatewayTable = "tunguard_nat"
)

// Driver realizes the packet-filter contract natively over netlink.
// Each concern lives in its own table, so apply can converge by replacing
// the whole table atomically and clear removes exactly what apply created.
type Driver struct {
	mu     sync.Mutex
	conn   Conn
	cfg    Config
	closed bool
}

type Config struct {
	// Netlink retry policy.
	MaxNetlinkRetries int           // default 3
	RetryBackoff      time.Duration // default 80ms
}

func DefaultConfig() Config {
	return Config{
		MaxNetlinkRetries: 3,
		RetryBackoff:      80 * time.Millisecond,
	}
}

func New() (*Driver, error) {
	c, err := nft.New(nft.AsLasting())
	if err != nil {
		return nil, fmt.Errorf("nftables conn: %w", err)
	}
	return &Driver{conn: c, cfg: DefaultConfig()}, nil
}

// NewWithConn builds a driver over an explicit connection; used by tests.
func NewWithConn(conn Conn, cfg Config) *Driver {
	return &Driver{conn: conn, cfg: cfg}
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.conn != nil {
		err := d.conn.CloseLasting()
		d.conn = nil
		return err
	}
	return nil
}

// Ping issues a harmless list request so callers can tell whether the
// kernel speaks nf_tables before committing to this backend.
func (d *Driver) Ping() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("nft driver is closed")
	}
	_, err := d.conn.ListTables()
	return err
}

func (d *Driver) ApplyEgressLockdown(lockdown netstate.Lockdown) error {
	return d.withRetry(func() error {
		if err := d.replaceEgressTable(nft.TableFamilyIPv4, lockdown, lockdown.PrivateCIDRs4()); err != nil {
			return err
		}
		// IPv6 lockdown is best-effort on kernels without the family.
		if err := d.replaceEgressTable(nft.TableFamilyIPv6, lockdown, lockdown.PrivateCIDRs6()); err != nil {
			if !isAFNotSupported(err) {
				return err
			}
		}
		return nil
	})
}

func (d *Driver) ClearEgressLockdown() error {
	return d.withRetry(func() error {
		return d.deleteTables(egressTable)
	})
}

func (d *Driver) ApplyGatewayNat(gw netstate.Gateway) error {
	return d.withRetry(func() error {
		if err := d.deleteTablesLocked(gatewayTable, nft.TableFamilyIPv4); err != nil {
			return err
		}

		t := d.conn.AddTable(&nft.Table{Family: nft.TableFamilyIPv4, Name: gatewayTable})

		post := d.conn.AddChain(&nft.Chain{
			Table:    t,
			Name:     "postrouting",
			Type:     nft.ChainTypeNAT,
			Hooknum:  nft.ChainHookPostrouting,
			Priority: nft.ChainPriorityNATSource,
		})
		d.conn.AddRule(&nft.Rule{Table: t, Chain: post, Exprs: exprMasqOIF(gw.TunnelDev)})

		fwd := d.conn.AddChain(&nft.Chain{
			Table:    t,
			Name:     "forward",
			Type:     nft.ChainTypeFilter,
			Hooknum:  nft.ChainHookForward,
			Priority: nft.ChainPriorityFilter,
		})
		d.conn.AddRule(&nft.Rule{Table: t, Chain: fwd, Exprs: exprAcceptIIFtoOIF(gw.LANDev, gw.TunnelDev)})
		d.conn.AddRule(&nft.Rule{Table: t, Chain: fwd, Exprs: exprAcceptEstablished(gw.TunnelDev, gw.LANDev)})

		if err := d.conn.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", gatewayTable, err)
		}
		return nil
	})
}

func (d *Driver) ClearGatewayNat(_ netstate.Gateway) error {
	return d.withRetry(func() error {
		return d.deleteTables(gatewayTable)
	})
}

// replaceEgressTable rebuilds the egress table for one family in a single
// batch: delete the previous table (if any), then recreate it with an
// output hook chain whose policy is drop plus the accept rules.
func (d *Driver) replaceEgressTable(fam nft.TableFamily, lockdown netstate.Lockdown, privateCIDRs []netip.Prefix) error {
	if err := d.deleteTablesLocked(egressTable, fam); err != nil {
		return err
	}

	t := d.conn.AddTable(&nft.Table{Family: fam, Name: egressTable})

	policy := nft.ChainPolicyDrop
	out := d.conn.AddChain(&nft.Chain{
		Table:    t,
		Name:     "output",
		Type:     nft.ChainTypeFilter,
		Hooknum:  nft.ChainHookOutput,
		Priority: nft.ChainPriorityFilter,
		Policy:   &policy,
	})

	d.conn.AddRule(&nft.Rule{Table: t, Chain: out, Exprs: exprAcceptOIF("lo")})
	d.conn.AddRule(&nft.Rule{Table: t, Chain: out, Exprs: exprAcceptCtEstablished()})
	for _, cidr := range privateCIDRs {
		d.conn.AddRule(&nft.Rule{Table: t, Chain: out, Exprs: exprAcceptDstNet(cidr)})
	}
	if lockdown.TunnelDev != "" {
		d.conn.AddRule(&nft.Rule{Table: t, Chain: out, Exprs: exprAcceptOIF(lockdown.TunnelDev)})
	}

	if err := d.conn.Flush(); err != nil {
		return fmt.Errorf("flush %s/%v: %w", egressTable, fam, err)
	}
	return nil
}

func (d *Driver) deleteTables(name string) error {
	for _, fam := range []nft.TableFamily{nft.TableFamilyIPv4, nft.TableFamilyIPv6} {
		if err := d.deleteTablesLocked(name, fam); err != nil {
			if isAFNotSupported(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func (d *Driver) deleteTablesLocked(name string, fam nft.TableFamily) error {
	tables, err := d.conn.ListTables()
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	deleted := false
	for _, t := range tables {
		if t.Name == name && t.Family == fam {
			d.conn.DelTable(t)
			deleted = true
		}
	}
	if deleted {
		if err := d.conn.Flush(); err != nil && !isNotExist(err) {
			return fmt.Errorf("delete table %s/%v: %w", name, fam, err)
		}
	}
	return nil
}

func (d *Driver) withRetry(op func() error) error {
	var last error
	maxNetlinkRetries := d.cfg.MaxNetlinkRetries
	if maxNetlinkRetries <= 0 {
		maxNetlinkRetries = 1
	}
	for i := 0; i < maxNetlinkRetries; i++ {
		if i > 0 && d.cfg.RetryBackoff > 0 {
			base := d.cfg.RetryBackoff
			time.Sleep(base + time.Duration(rand.Int63n(int64(base))))
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return errors.New("nft driver is closed")
		}
		err := op()
		d.mu.Unlock()

		if err == nil {
			return nil
		}
		last = err
		if isTransientNetlink(err) {
			continue
		}
		return err
	}
	return last
}

// -------- expr helpers --------

func zstr(s string) []byte { return append([]byte(s), 0x00) }

// oif <dev> accept
func exprAcceptOIF(dev string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(dev)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// ct state established,related accept
func exprAcceptCtEstablished() []expr.Any {
	mask := binaryutil.BigEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED)
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: mask, Xor: []byte{0, 0, 0, 0}},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// daddr within <cidr> accept
func exprAcceptDstNet(cidr netip.Prefix) []expr.Any {
	addr := cidr.Masked().Addr()
	offset, length := uint32(16), uint32(4) // IPv4 daddr
	if addr.Is6() {
		offset, length = 24, 16
	}
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            length,
			Mask:           prefixMask(cidr),
			Xor:            make([]byte, length),
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr.AsSlice()},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// iif <in> oif <out> accept
func exprAcceptIIFtoOIF(iif, oif string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(iif)},
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(oif)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// iif <in> oif <out> ct state established,related accept
func exprAcceptEstablished(iif, oif string) []expr.Any {
	mask := binaryutil.BigEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED)
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(iif)},
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(oif)},
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: mask, Xor: []byte{0, 0, 0, 0}},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// oif <dev> masquerade
func exprMasqOIF(dev string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(dev)},
		&expr.Masq{},
	}
}

func prefixMask(cidr netip.Prefix) []byte {
	total := 4
	if cidr.Addr().Is6() {
		total = 16
	}
	mask := make([]byte, total)
	bits := cidr.Bits()
	for i := 0; i < total; i++ {
		if bits >= 8 {
			mask[i] = 0xFF
			bits -= 8
			continue
		}
		if bits > 0 {
			mask[i] = byte(0xFF << (8 - bits))
		}
		break
	}
	return mask
}

// -------- error classification --------

func isTransientNetlink(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EINTR) ||
		strings.Contains(s, "resource busy") ||
		strings.Contains(s, "try again") ||
		strings.Contains(s, "timed out") ||
		strings.Contains(s, "no buffer space") ||
		strings.Contains(s, "mismatched sequence")
}

func isAFNotSupported(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EAFNOSUPPORT) ||
		strings.Contains(strings.ToLower(err.Error()), "address family not supported")
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ENOENT) ||
		strings.Contains(strings.ToLower(err.Error()), "no such file or directory")
}
