// 提供节点侧的遥测上报：构造CoAP提交请求、按周期采样发送、
// 连接不可用时等待恢复而非盲发
package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/coap"
	"github.com/junbin-yang/greenhouse-go/pkg/ingest"
	"github.com/junbin-yang/greenhouse-go/pkg/transport"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// 发送参数
const (
	defaultSendInterval = 20 * time.Second
	defaultLinkTimeout  = 30 * time.Second
	responseWait        = 2 * time.Second // 诊断用响应等待（NON上报不保证有响应）
)

// Sender 遥测上报器：一个实例对应一个模拟节点
type Sender struct {
	cfg    api.NodeConfig
	target *coap.ParsedURI
	sim    *Simulator
	trans  *transport.Sender
	link   api.LinkMonitor
	enc    *coap.Encoder

	messageID uint32 // 消息ID计数器（时间播种，每次发送递增）
	sent      uint64
	failed    uint64

	log *logger.Logger
}

// NewSender 创建上报器
// 参数:
//   cfg: 节点配置（目标URI、凭据、上报间隔）
//   sim: 环境模拟器
//   link: 连接状态监控（nil表示不做连接检查）
func NewSender(cfg api.NodeConfig, sim *Simulator, link api.LinkMonitor) (*Sender, error) {
	target, err := coap.ParseURI(cfg.ServerURI)
	if err != nil {
		return nil, errors.Wrapf(err, "目标地址%q无效", cfg.ServerURI)
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = defaultSendInterval
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = defaultLinkTimeout
	}

	return &Sender{
		cfg:       cfg,
		target:    target,
		sim:       sim,
		trans:     transport.NewSender(link),
		link:      link,
		enc:       coap.NewEncoder(),
		messageID: uint32(time.Now().UnixMilli() & 0xFFFF),
		log:       logger.Default(),
	}, nil
}

// Run 周期性采样并上报，直到上下文取消
// 每轮先等待连接可用（有限超时），连接不可用时跳过本轮而非盲发
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()

	s.log.Info("节点上报已启动",
		zap.String("node_id", s.cfg.NodeID),
		zap.String("target", s.cfg.ServerURI),
		zap.Duration("interval", s.cfg.SendInterval))

	for {
		if s.link != nil && !s.link.AwaitLink(s.cfg.LinkTimeout) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			atomic.AddUint64(&s.failed, 1)
			s.log.Warn("等待连接超时，跳过本轮上报",
				zap.String("node_id", s.cfg.NodeID))
		} else if err := s.SendOnce(); err != nil {
			atomic.AddUint64(&s.failed, 1)
			s.log.Warn("上报失败",
				zap.String("node_id", s.cfg.NodeID),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendOnce 执行一次采样上报，并尝试等待响应用于诊断日志
func (s *Sender) SendOnce() error {
	sample := s.sim.Read()
	payload, err := s.buildSubmission(sample).Encode()
	if err != nil {
		return err
	}

	msg, err := s.buildMessage(payload)
	if err != nil {
		return err
	}
	data, err := s.enc.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "请求编码失败")
	}

	respData, err := s.trans.SendAndReceive(s.target.Host, s.target.Port, data, responseWait)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			// NON上报不保证响应，超时按发送成功处理
			atomic.AddUint64(&s.sent, 1)
			s.log.Debug("未收到响应（NON上报的正常情况）",
				zap.String("node_id", s.cfg.NodeID))
			return nil
		}
		return err
	}
	atomic.AddUint64(&s.sent, 1)

	if resp, decErr := s.enc.Decode(respData); decErr == nil {
		s.log.Info("收到服务端响应",
			zap.String("node_id", s.cfg.NodeID),
			zap.String("code", coap.CodeString(resp.Code)),
			zap.ByteString("payload", resp.Payload))
	}
	return nil
}

// buildSubmission 将采样转换为提交负载（凭据随负载携带）
func (s *Sender) buildSubmission(sample *Sample) *ingest.Submission {
	return &ingest.Submission{
		APIKey:       s.cfg.APIKey,
		NodeID:       s.cfg.NodeID,
		Timestamp:    time.Now().Unix(),
		Temperature:  &sample.Temperature,
		Humidity:     &sample.Humidity,
		SoilMoisture: &sample.SoilMoisture,
		Light:        &sample.Light,
		PH:           &sample.PH,
		EC:           &sample.EC,
	}
}

// buildMessage 构造NON POST请求：路径与查询参数来自目标URI，
// 令牌取UUID前4字节，消息ID时间播种后逐次递增
func (s *Sender) buildMessage(payload []byte) (*coap.Message, error) {
	mid := uint16(atomic.AddUint32(&s.messageID, 1))

	msg := coap.NewMessage(coap.TypeNonConfirmable, coap.CodePOST, mid)

	token := uuid.New()
	msg.SetToken(token[:4])

	for _, seg := range s.target.PathSegments {
		msg.AddOption(coap.OptionUriPath, []byte(seg))
	}
	msg.AddOption(coap.OptionContentFormat, []byte{coap.ContentFormatJSON})
	for key, value := range s.target.QueryParams {
		msg.AddOption(coap.OptionUriQuery, []byte(key+"="+value))
	}
	msg.SetPayload(payload)

	return msg, nil
}

// Stats 返回发送统计（成功数、失败数）
func (s *Sender) Stats() (sent, failed uint64) {
	return atomic.LoadUint64(&s.sent), atomic.LoadUint64(&s.failed)
}
