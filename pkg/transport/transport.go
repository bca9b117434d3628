// 提供UDP传输适配：服务端的带超时接收监听器与节点侧的按次发送器
// 传输层只搬运字节，不理解CoAP语义（编解码归pkg/coap，路由归pkg/server）
package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultMaxDatagramSize 默认接收缓冲区大小（与编码器的消息上限对齐）
	DefaultMaxDatagramSize = 1152

	// ReadBufferSize 套接字内核读缓冲区大小
	ReadBufferSize = 1024 * 1024
)

// 传输层错误分类
var (
	ErrTimeout  = errors.New("transport: 接收超时")
	ErrClosed   = errors.New("transport: 监听器已关闭")
	ErrLinkDown = errors.New("transport: 网络连接不可用")
)

// Datagram 一个原始UDP数据报及其来源地址
type Datagram struct {
	Data   []byte
	Source *net.UDPAddr
}

// Listener 服务端UDP监听器：带超时的阻塞接收，超时用于驱动周期性维护
type Listener struct {
	conn    *net.UDPConn
	maxSize int
	log     *logger.Logger
}

// NewListener 在指定地址与端口上创建UDP监听器
func NewListener(bindAddr string, port, maxDatagramSize int) (*Listener, error) {
	if maxDatagramSize <= 0 {
		maxDatagramSize = DefaultMaxDatagramSize
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return nil, errors.Wrapf(err, "解析监听地址%s:%d失败", bindAddr, port)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "监听%s失败", addr)
	}

	if err := conn.SetReadBuffer(ReadBufferSize); err != nil {
		logger.Warn("设置读缓冲区失败", zap.Error(err))
	}

	l := &Listener{
		conn:    conn,
		maxSize: maxDatagramSize,
		log:     logger.Default(),
	}

	l.log.Info("UDP监听器已启动",
		zap.String("addr", conn.LocalAddr().String()),
		zap.Int("max_datagram", maxDatagramSize))

	return l, nil
}

// Receive 阻塞接收一个数据报，最多等待timeout
// 超时返回ErrTimeout（调用方借此执行周期性维护后再次调用）；
// 监听器关闭后返回ErrClosed
func (l *Listener) Receive(timeout time.Duration) (*Datagram, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, "设置接收超时失败")
	}

	buf := make([]byte, l.maxSize)
	n, src, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, errors.Wrap(ErrClosed, err.Error())
	}

	return &Datagram{Data: buf[:n], Source: src}, nil
}

// Reply 向指定来源地址回发一个数据报
func (l *Listener) Reply(dst *net.UDPAddr, data []byte) error {
	if _, err := l.conn.WriteToUDP(data, dst); err != nil {
		return errors.Wrapf(err, "回发%s失败", dst)
	}
	return nil
}

// LocalAddr 返回实际绑定的本地地址（端口0时为系统分配的端口）
func (l *Listener) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Close 关闭监听器，正在阻塞的Receive将返回ErrClosed
func (l *Listener) Close() error {
	l.log.Info("UDP监听器关闭")
	return l.conn.Close()
}

// Sender 节点侧UDP发送器：每次发送使用独立套接字（发完即弃），
// 发送前检查连接状态，不可用时直接拒绝
type Sender struct {
	link api.LinkMonitor
	log  *logger.Logger
}

// NewSender 创建发送器，link为nil时不做连接检查
func NewSender(link api.LinkMonitor) *Sender {
	return &Sender{
		link: link,
		log:  logger.Default(),
	}
}

// Send 向目标地址发送一个数据报（不等待响应）
func (s *Sender) Send(host string, port int, data []byte) error {
	conn, err := s.dial(host, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return errors.Wrapf(err, "发送到%s:%d失败", host, port)
	}
	return nil
}

// SendAndReceive 发送一个数据报并等待同一套接字上的响应，最多等待timeout
// 超时返回ErrTimeout（NON上报不保证响应，超时属正常路径）
func (s *Sender) SendAndReceive(host string, port int, data []byte, timeout time.Duration) ([]byte, error) {
	conn, err := s.dial(host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return nil, errors.Wrapf(err, "发送到%s:%d失败", host, port)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, "设置接收超时失败")
	}

	buf := make([]byte, DefaultMaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, errors.Wrap(err, "接收响应失败")
	}

	return buf[:n], nil
}

// dial 创建一次性UDP套接字，发送前检查连接状态
func (s *Sender) dial(host string, port int) (*net.UDPConn, error) {
	if s.link != nil && !s.link.IsLinkUp() {
		return nil, ErrLinkDown
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, errors.Wrapf(err, "解析目标地址%s:%d失败", host, port)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "连接%s失败", addr)
	}
	return conn, nil
}
