// 提供温室遥测的CoAP服务端：UDP接收循环、请求分发、
// 准入检查与数据入库的编排，以及周期性维护任务
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/auth"
	"github.com/junbin-yang/greenhouse-go/pkg/coap"
	"github.com/junbin-yang/greenhouse-go/pkg/ingest"
	"github.com/junbin-yang/greenhouse-go/pkg/transport"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// endpointSensor 传感器数据资源的限流端点标识（所有路径别名共享）
const endpointSensor = "sensor"

// 周期性维护参数
const (
	defaultReceiveTimeout = 1 * time.Second
	bucketIdleThreshold   = 10 * time.Minute // 令牌桶闲置超过此时长即清理
	statsLogInterval      = 1 * time.Minute
	registryReloadPeriod  = 5 * time.Minute
)

// Reloader 可运行期重载的注册表（如YAML文件注册表）
type Reloader interface {
	Reload() error
}

// Server 温室遥测CoAP服务端
type Server struct {
	cfg      api.ServerConfig
	encoder  *coap.Encoder
	router   *Router
	gate     *auth.Gate
	ingestor *ingest.Ingestor
	reloader Reloader // 可选：配置后周期性重载注册表

	listener *transport.Listener
	tasks    *timer.Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	// 运行时统计（原子计数）
	datagramsReceived uint64
	datagramsDropped  uint64
	requestsRouted    uint64
	readingsIngested  uint64
	authFailures      uint64
	rateLimited       uint64
	lastRequestUnix   int64

	log *logger.Logger
}

// New 创建服务端实例
// 参数:
//   cfg: 服务端配置
//   gate: 准入控制器
//   ingestor: 数据入库适配器
//   reloader: 注册表重载钩子（nil表示不做周期性重载）
func New(cfg api.ServerConfig, gate *auth.Gate, ingestor *ingest.Ingestor, reloader Reloader) *Server {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		encoder:  &coap.Encoder{MaxMessageSize: cfg.MaxDatagramSize},
		router:   NewRouter(),
		gate:     gate,
		ingestor: ingestor,
		reloader: reloader,
		tasks:    timer.NewManager(),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.Default(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes 配置资源路由：传感器数据资源及其历史路径别名
func (s *Server) setupRoutes() {
	sensor := s.router.Register("/sensor/send-data", "Sensor Data Submission", endpointSensor,
		map[uint8]ResourceHandler{
			coap.CodePOST: s.handleSubmit,
			coap.CodeGET:  s.handleDiscover,
		})

	// 历史固件版本使用过的提交路径，全部等价
	s.router.AddAlias(sensor, "/sensor/data", "/data", "/sensor")
}

// Start 启动服务端：绑定UDP端口、启动接收循环与周期性维护任务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("服务端已在运行")
	}

	listener, err := transport.NewListener(s.cfg.BindAddr, s.cfg.BindPort, s.cfg.MaxDatagramSize)
	if err != nil {
		return errors.Wrap(err, "启动监听失败")
	}
	s.listener = listener
	s.running = true

	s.wg.Add(1)
	go s.serveLoop()

	// 周期性维护：统计日志与注册表重载由定时任务驱动
	if err := s.tasks.Schedule("stats_report", statsLogInterval, s.reportStats); err != nil {
		s.log.Warn("统计任务创建失败", zap.Error(err))
	}
	if s.reloader != nil {
		if err := s.tasks.Schedule("registry_reload", registryReloadPeriod, s.reloadRegistry); err != nil {
			s.log.Warn("注册表重载任务创建失败", zap.Error(err))
		}
	}

	s.log.Info("遥测服务端已启动",
		zap.String("addr", s.listener.LocalAddr().String()))
	return nil
}

// Stop 停止服务端：关闭监听、等待在途请求处理完成
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.tasks.StopAll()
	s.listener.Close()
	s.wg.Wait()

	s.log.Info("遥测服务端已停止")
}

// Addr 返回实际绑定的地址（测试中用于获取系统分配的端口）
func (s *Server) Addr() *net.UDPAddr {
	return s.listener.LocalAddr()
}

// serveLoop 接收循环：带超时阻塞接收，每个数据报由独立协程处理；
// 接收超时是正常路径，借此窗口执行轻量维护后继续接收
func (s *Server) serveLoop() {
	defer s.wg.Done()

	for {
		dg, err := s.listener.Receive(s.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				s.housekeep()
				continue
			}
			// 监听器已关闭（Stop触发）或不可恢复错误
			return
		}

		atomic.AddUint64(&s.datagramsReceived, 1)
		atomic.StoreInt64(&s.lastRequestUnix, time.Now().Unix())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleDatagram(dg)
		}()
	}
}

// handleDatagram 处理单个数据报：解码、路由、回发响应
// 解码失败对单个数据报是致命的：记录日志后丢弃，不回发任何内容
func (s *Server) handleDatagram(dg *transport.Datagram) {
	msg, err := s.encoder.Decode(dg.Data)
	if err != nil {
		atomic.AddUint64(&s.datagramsDropped, 1)
		s.log.Warn("数据报解码失败，已丢弃",
			zap.String("source", dg.Source.String()),
			zap.Int("bytes", len(dg.Data)),
			zap.Error(err))
		return
	}

	if !msg.IsRequest() {
		atomic.AddUint64(&s.datagramsDropped, 1)
		s.log.Debug("忽略非请求消息",
			zap.String("source", dg.Source.String()),
			zap.String("code", coap.CodeString(msg.Code)))
		return
	}

	request := &Request{
		Message:   msg,
		Source:    dg.Source,
		Timestamp: time.Now(),
	}
	response := s.router.HandleRequest(request)
	atomic.AddUint64(&s.requestsRouted, 1)

	s.reply(dg.Source, msg, response)
}

// reply 构造并回发响应：CON请求回ACK，其余回NON；
// 消息ID与令牌原样回显以便请求方关联
func (s *Server) reply(dst *net.UDPAddr, req *coap.Message, resp *Response) {
	respType := uint8(coap.TypeNonConfirmable)
	if req.Type == coap.TypeConfirmable {
		respType = coap.TypeAcknowledgment
	}

	msg := coap.NewMessage(respType, resp.Code, req.MessageID)
	msg.SetToken(req.Token)
	if resp.ContentFormat >= 0 {
		msg.AddOption(coap.OptionContentFormat, []byte{uint8(resp.ContentFormat)})
	}
	msg.SetPayload(resp.Payload)

	data, err := s.encoder.Encode(msg)
	if err != nil {
		s.log.Error("响应编码失败", zap.Error(err))
		return
	}
	if err := s.listener.Reply(dst, data); err != nil {
		s.log.Warn("响应回发失败",
			zap.String("dst", dst.String()),
			zap.Error(err))
	}
}

// handleSubmit 处理传感器数据提交（POST）
// 凭据提取顺序：查询参数优先，缺失时从JSON负载补齐
func (s *Server) handleSubmit(req *Request) *Response {
	nodeID := req.Query["node_id"]
	apiKey := req.Query["api_key"]
	payload := req.Message.Payload

	if nodeID == "" || apiKey == "" {
		if sub, err := ingest.DecodeSubmission(payload); err == nil {
			if nodeID == "" {
				nodeID = sub.NodeID
			}
			if apiKey == "" {
				apiKey = sub.APIKey
			}
		}
	}

	record, err := s.gate.Admit(nodeID, apiKey, endpointSensor)
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			atomic.AddUint64(&s.rateLimited, 1)
			return errorResponse(coap.CodeTooManyRequests)
		}
		atomic.AddUint64(&s.authFailures, 1)
		s.log.Warn("提交未通过鉴权",
			zap.String("node_id", nodeID),
			zap.String("source", req.Source.String()))
		return errorResponse(coap.CodeUnauthorized)
	}

	stored, err := s.ingestor.Ingest(s.ctx, record, payload)
	if err != nil {
		if errors.Is(err, ingest.ErrStoreUnavailable) {
			return errorResponse(coap.CodeInternalServerError)
		}
		return errorResponse(coap.CodeBadRequest)
	}

	atomic.AddUint64(&s.readingsIngested, uint64(stored))

	body, _ := json.Marshal(map[string]interface{}{
		"status":   "created",
		"readings": stored,
	})
	return &Response{
		Code:          coap.CodeCreated,
		ContentFormat: coap.ContentFormatJSON,
		Payload:       body,
	}
}

// handleDiscover 处理端点发现（GET）：返回提交端点的能力描述
func (s *Server) handleDiscover(req *Request) *Response {
	body, _ := json.Marshal(map[string]interface{}{
		"service": "greenhouse-telemetry",
		"paths":   []string{"/sensor/send-data", "/sensor/data", "/data", "/sensor"},
		"methods": []string{"POST"},
		"format":  coap.ContentFormatJSON,
		"query":   []string{"api_key", "node_id"},
	})
	return &Response{
		Code:          coap.CodeContent,
		ContentFormat: coap.ContentFormatJSON,
		Payload:       body,
	}
}

// housekeep 接收超时窗口内的轻量维护
func (s *Server) housekeep() {
	if removed := s.gate.PruneBuckets(bucketIdleThreshold); removed > 0 {
		s.log.Debug("清理闲置令牌桶", zap.Int("removed", removed))
	}
}

// reloadRegistry 周期性重载注册表并清空鉴权缓存
func (s *Server) reloadRegistry() {
	if err := s.reloader.Reload(); err != nil {
		s.log.Error("注册表重载失败", zap.Error(err))
		return
	}
	s.gate.Purge()
}

// reportStats 周期性输出运行统计
func (s *Server) reportStats() {
	stats := s.Stats()
	s.log.Info("运行统计",
		zap.Uint64("received", stats.DatagramsReceived),
		zap.Uint64("dropped", stats.DatagramsDropped),
		zap.Uint64("routed", stats.RequestsRouted),
		zap.Uint64("ingested", stats.ReadingsIngested),
		zap.Uint64("auth_failures", stats.AuthFailures),
		zap.Uint64("rate_limited", stats.RateLimited))
}

// Stats 返回运行统计快照
func (s *Server) Stats() api.Statistics {
	stats := api.Statistics{
		DatagramsReceived: atomic.LoadUint64(&s.datagramsReceived),
		DatagramsDropped:  atomic.LoadUint64(&s.datagramsDropped),
		RequestsRouted:    atomic.LoadUint64(&s.requestsRouted),
		ReadingsIngested:  atomic.LoadUint64(&s.readingsIngested),
		AuthFailures:      atomic.LoadUint64(&s.authFailures),
		RateLimited:       atomic.LoadUint64(&s.rateLimited),
	}
	if unix := atomic.LoadInt64(&s.lastRequestUnix); unix > 0 {
		stats.LastRequestTime = time.Unix(unix, 0)
	}
	return stats
}
