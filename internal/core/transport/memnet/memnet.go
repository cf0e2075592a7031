// Package memnet 实现进程内的数据报网络
//
// 提供 net.PacketConn 实现，可以按种子注入丢包、重复、乱序和分区，
// 用于在不触碰真实网络的情况下测试传输层。
package memnet

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

var (
	// ErrAddrInUse 地址已被占用
	ErrAddrInUse = errors.New("memnet: address in use")

	// ErrBadAddr 无效地址
	ErrBadAddr = errors.New("memnet: bad address")
)

// Conditions 链路条件，概率取值 [0, 1]
type Conditions struct {
	Drop      float64
	Duplicate float64
	Reorder   float64

	// ReorderDelay 乱序包的额外延迟
	ReorderDelay time.Duration
}

// Addr 内存网络地址
type Addr struct {
	Host string
	Port int
}

// Network 实现 net.Addr
func (a Addr) Network() string { return "mem" }

// String 返回 "host:port"
func (a Addr) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

type packet struct {
	data []byte
	from Addr
}

// Network 内存网络
type Network struct {
	mu          sync.Mutex
	rng         *rand.Rand
	cond        Conditions
	conns       map[string]*PacketConn
	partitioned map[string]bool
	nextPort    int
	queueSize   int
}

// NewNetwork 创建内存网络，seed 决定丢包等随机事件
func NewNetwork(seed int64) *Network {
	return &Network{
		rng:         rand.New(rand.NewSource(seed)),
		conns:       make(map[string]*PacketConn),
		partitioned: make(map[string]bool),
		nextPort:    40000,
		queueSize:   4096,
	}
}

// SetConditions 设置链路条件
func (n *Network) SetConditions(c Conditions) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.ReorderDelay <= 0 {
		c.ReorderDelay = 2 * time.Millisecond
	}
	n.cond = c
}

// Partition 隔离地址：发往或来自该地址的包全部丢弃
func (n *Network) Partition(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[addr] = true
}

// Heal 解除隔离
func (n *Network) Heal(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, addr)
}

// ListenPacket 绑定地址，端口为 0 时自动分配
func (n *Network) ListenPacket(bind string) (net.PacketConn, error) {
	host, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if port == 0 {
		for {
			n.nextPort++
			if _, used := n.conns[Addr{host, n.nextPort}.String()]; !used {
				port = n.nextPort
				break
			}
		}
	}
	addr := Addr{Host: host, Port: port}
	if _, used := n.conns[addr.String()]; used {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}

	pc := &PacketConn{
		net:    n,
		addr:   addr,
		in:     make(chan packet, n.queueSize),
		closed: make(chan struct{}),
	}
	n.conns[addr.String()] = pc
	return pc, nil
}

// ResolveAddr 把端点解析为内存地址
func (n *Network) ResolveAddr(ep types.Endpoint) (net.Addr, error) {
	if ep.Host == "" || ep.Port <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadAddr, ep)
	}
	return Addr{Host: ep.Host, Port: ep.Port}, nil
}

func (n *Network) deliver(from Addr, to string, data []byte) {
	n.mu.Lock()
	dst, ok := n.conns[to]
	if !ok || n.partitioned[to] || n.partitioned[from.String()] {
		n.mu.Unlock()
		return
	}
	cond := n.cond
	drop := n.rng.Float64() < cond.Drop
	dup := n.rng.Float64() < cond.Duplicate
	reorder := n.rng.Float64() < cond.Reorder
	n.mu.Unlock()

	if drop {
		return
	}
	copies := 1
	if dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		p := packet{data: append([]byte(nil), data...), from: from}
		if reorder {
			time.AfterFunc(cond.ReorderDelay, func() { dst.enqueue(p) })
			continue
		}
		dst.enqueue(p)
	}
}

func (n *Network) unbind(pc *PacketConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[pc.addr.String()] == pc {
		delete(n.conns, pc.addr.String())
	}
}

// PacketConn 内存网络上的 net.PacketConn
type PacketConn struct {
	net  *Network
	addr Addr

	in        chan packet
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

var _ net.PacketConn = (*PacketConn)(nil)

func (c *PacketConn) enqueue(p packet) {
	select {
	case <-c.closed:
	case c.in <- p:
	default:
		// 接收队列满，与内核缓冲区溢出一样直接丢弃
	}
}

// ReadFrom 读取一个数据报，缓冲区不足时截断
func (c *PacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p := <-c.in:
		return copy(b, p.data), p.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo 发送一个数据报
func (c *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.deliver(c.addr, addr.String(), b)
	return len(b), nil
}

// Close 关闭并释放地址
func (c *PacketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.unbind(c)
	})
	return nil
}

// LocalAddr 返回本地地址
func (c *PacketConn) LocalAddr() net.Addr { return c.addr }

// SetDeadline 设置读截止时间，写不会阻塞
func (c *PacketConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetReadDeadline 设置读截止时间
func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline 写不会阻塞，忽略
func (c *PacketConn) SetWriteDeadline(time.Time) error { return nil }
