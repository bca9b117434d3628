// 提供CoAP消息的编码与解码功能（RFC 7252的最小固定子集）
// 同一套编解码逻辑同时服务于发送节点与接收服务端，保证线上格式字节级一致
package coap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// CoAP消息格式相关常量
const (
	// Version CoAP协议版本（仅支持v1，符合RFC 7252标准）
	Version1 = 1

	// Message types CoAP消息类型（4种核心类型）
	TypeConfirmable    = 0 // 确认型消息（CON）
	TypeNonConfirmable = 1 // 非确认型消息（NON）：本系统的默认上报类型
	TypeAcknowledgment = 2 // 确认消息（ACK）：回复CON请求时使用
	TypeReset          = 3 // 重置消息（RST）

	// Method codes 请求方法码（0.XX）
	CodeGET  = 0x01 // GET：端点发现
	CodePOST = 0x02 // POST：传感器数据提交

	// Response codes 响应状态码（class<<5 | detail）
	CodeCreated             = 0x41 // 2.01 Created：提交成功入库
	CodeContent             = 0x45 // 2.05 Content：发现请求成功
	CodeBadRequest          = 0x80 // 4.00 Bad Request：负载无法解析/无有效传感器字段
	CodeUnauthorized        = 0x81 // 4.01 Unauthorized：API密钥校验失败
	CodeNotFound            = 0x84 // 4.04 Not Found：未注册的资源路径
	CodeMethodNotAllowed    = 0x85 // 4.05 Method Not Allowed：路径不支持该方法
	CodeTooManyRequests     = 0x9D // 4.29 Too Many Requests：限流拒绝
	CodeInternalServerError = 0xA0 // 5.00 Internal Server Error：下游存储不可用

	// Option numbers CoAP标准选项号（对应RFC 7252定义）
	OptionIfMatch       = 1
	OptionUriHost       = 3
	OptionETag          = 4
	OptionIfNoneMatch   = 5
	OptionUriPort       = 7
	OptionLocationPath  = 8
	OptionUriPath       = 11 // Uri-Path：资源路径段（每段一个选项）
	OptionContentFormat = 12 // Content-Format：负载数据格式
	OptionMaxAge        = 14
	OptionUriQuery      = 15 // Uri-Query：请求参数（每个key=value一个选项）
	OptionAccept        = 17

	// Content formats 负载数据格式编码
	ContentFormatText        = 0
	ContentFormatLinkFormat  = 40
	ContentFormatOctetStream = 42
	ContentFormatJSON        = 50 // JSON格式（application/json），传感器负载固定使用

	// Payload marker 负载分隔符（固定为0xFF）：标记选项结束、负载开始
	PayloadMarker = 0xFF

	// MaxTokenLength 令牌最大长度（CoAP协议限制8字节）
	MaxTokenLength = 8

	// MaxOptionValueLen 选项值最大长度：2字节扩展长度的上限（269+65535）
	MaxOptionValueLen = 65804

	// DefaultMaxPathSegment 最小编码器允许的Uri-Path单段最大字节数
	// 超长路径段直接报错而非截断或分片
	DefaultMaxPathSegment = 12

	// DefaultMaxMessageSize 默认的编码输出上限（适配受限节点的收发缓冲区）
	DefaultMaxMessageSize = 1152

	// 扩展编码阈值：nibble=13时1字节扩展，nibble=14时2字节扩展，15保留
	extOneByte  = 13
	extTwoBytes = 269
)

// 编解码错误分类。编码错误只在构造出站消息时出现；
// 解码错误对单个数据报而言总是致命的（记录日志后丢弃，不重试）
var (
	ErrBufferTooSmall = errors.New("coap: 消息超出缓冲区上限")
	ErrSegmentTooLong = errors.New("coap: Uri-Path路径段超长")
	ErrTruncated      = errors.New("coap: 消息被截断")
	ErrBadVersion     = errors.New("coap: 协议版本不支持")
	ErrBadToken       = errors.New("coap: 令牌非法")
	ErrOptionOrder    = errors.New("coap: 选项未按编号升序排列")
	ErrOptionTooLarge = errors.New("coap: 选项超出编码范围")
	ErrReservedOption = errors.New("coap: 选项头部含保留值15")
	ErrInvalidMessage = errors.New("coap: 消息结构非法")
)

// Option 表示一个CoAP选项（选项号+选项值的组合）
type Option struct {
	Number uint16 // 选项号（对应上方OptionXXX常量）
	Value  []byte // 选项值字节流
}

// Message 表示一条完整的CoAP消息
type Message struct {
	Version   uint8    // 协议版本（固定为Version1=1）
	Type      uint8    // 消息类型（对应TypeXXX常量）
	Code      uint8    // 消息码（请求为方法码，响应为状态码）
	MessageID uint16   // 消息ID（2字节，请求与响应的关联依据）
	Token     []byte   // 令牌（0-8字节，可选的上下文关联标识）
	Options   []Option // 选项列表（必须按选项号升序排列）
	Payload   []byte   // 消息负载（如传感器数据JSON）
}

// Encoder 处理CoAP消息的编码（结构体→字节流）与解码（字节流→结构体）
type Encoder struct {
	MaxMessageSize int // 编码输出上限，超出返回ErrBufferTooSmall
	MaxPathSegment int // Uri-Path单段字节数上限，超出返回ErrSegmentTooLong
}

// NewEncoder 创建一个使用默认上限的CoAP编解码器实例
func NewEncoder() *Encoder {
	return &Encoder{
		MaxMessageSize: DefaultMaxMessageSize,
		MaxPathSegment: DefaultMaxPathSegment,
	}
}

// Encode 将CoAP消息结构体编码为网络传输用的字节流
// 选项必须已按选项号升序排列：乱序是调用方的构造错误，直接拒绝而不代为排序
func (e *Encoder) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.Wrap(ErrInvalidMessage, "消息不能为空")
	}
	if err := e.validateMessage(msg); err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)

	// 1. 消息头部（4字节：版本|类型|令牌长度、消息码、消息ID）
	buf.WriteByte(msg.Version<<6 | msg.Type<<4 | uint8(len(msg.Token)))
	buf.WriteByte(msg.Code)
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], msg.MessageID)
	buf.Write(mid[:])

	// 2. 令牌
	buf.Write(msg.Token)

	// 3. 选项（delta编码，升序）
	prevNumber := uint16(0)
	for i, opt := range msg.Options {
		if opt.Number < prevNumber {
			return nil, errors.Wrapf(ErrOptionOrder, "第%d个选项号%d小于前一选项号%d", i, opt.Number, prevNumber)
		}
		delta := opt.Number - prevNumber
		length := len(opt.Value)

		header, extDelta, extLength := encodeOptionHeader(delta, length)
		buf.WriteByte(header)
		buf.Write(extDelta)
		buf.Write(extLength)
		buf.Write(opt.Value)

		prevNumber = opt.Number
	}

	// 4. 负载（先写0xFF分隔符）
	if len(msg.Payload) > 0 {
		buf.WriteByte(PayloadMarker)
		buf.Write(msg.Payload)
	}

	if buf.Len() > e.maxMessageSize() {
		return nil, errors.Wrapf(ErrBufferTooSmall, "编码后%d字节，上限%d字节", buf.Len(), e.maxMessageSize())
	}
	return buf.Bytes(), nil
}

// Decode 将网络接收的字节流解码为CoAP消息结构体
// 负载分隔符通过流式解析定位：0xFF可能出现在选项值内部，不能全局扫描
func (e *Encoder) Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, errors.Wrapf(ErrTruncated, "仅%d字节（头部至少4字节）", len(data))
	}

	msg := &Message{
		Version:   data[0] >> 6,
		Type:      (data[0] >> 4) & 0x03,
		Code:      data[1],
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	if msg.Version != Version1 {
		return nil, errors.Wrapf(ErrBadVersion, "版本%d", msg.Version)
	}

	tokenLength := int(data[0] & 0x0F)
	if tokenLength > MaxTokenLength {
		return nil, errors.Wrapf(ErrBadToken, "声明令牌长度%d", tokenLength)
	}

	pos := 4
	if tokenLength > 0 {
		if len(data)-pos < tokenLength {
			return nil, errors.Wrapf(ErrTruncated, "令牌需%d字节，剩余%d字节", tokenLength, len(data)-pos)
		}
		msg.Token = append([]byte(nil), data[pos:pos+tokenLength]...)
		pos += tokenLength
	}

	// 逐个解析选项，直到数据读完或遇到负载分隔符
	prevNumber := uint32(0)
	for pos < len(data) {
		if data[pos] == PayloadMarker {
			pos++
			// 分隔符后必须跟至少1字节负载（RFC 7252 §3.1）
			if pos >= len(data) {
				return nil, errors.Wrap(ErrTruncated, "负载分隔符后无数据")
			}
			msg.Payload = append([]byte(nil), data[pos:]...)
			return msg, nil
		}

		deltaNibble := data[pos] >> 4
		lengthNibble := data[pos] & 0x0F
		pos++

		delta, n, err := readExtendedValue(data[pos:], deltaNibble)
		if err != nil {
			return nil, errors.Wrap(err, "读取扩展delta失败")
		}
		pos += n

		length, n, err := readExtendedValue(data[pos:], lengthNibble)
		if err != nil {
			return nil, errors.Wrap(err, "读取扩展长度失败")
		}
		pos += n

		number := prevNumber + uint32(delta)
		if number > 0xFFFF {
			return nil, errors.Wrapf(ErrOptionTooLarge, "选项号累计值%d溢出", number)
		}
		if number < prevNumber {
			return nil, errors.Wrapf(ErrOptionOrder, "选项号%d未递增", number)
		}

		if len(data)-pos < int(length) {
			return nil, errors.Wrapf(ErrTruncated, "选项值声明%d字节，剩余%d字节", length, len(data)-pos)
		}
		msg.Options = append(msg.Options, Option{
			Number: uint16(number),
			Value:  append([]byte(nil), data[pos:pos+int(length)]...),
		})
		pos += int(length)
		prevNumber = number
	}

	return msg, nil
}

// encodeOptionHeader 编码选项头部（delta+长度）及可选的扩展字节
// 规则（CoAP标准）：
// - 值 <13：直接用4位存储
// - 13 ≤ 值 <269：4位存13，扩展1字节存（值-13）
// - 值 ≥269：4位存14，扩展2字节大端序存（值-269）
// - 4位值=15为保留，编码侧永不输出
func encodeOptionHeader(delta uint16, length int) (byte, []byte, []byte) {
	var header byte
	var extDelta, extLength []byte

	switch {
	case delta < extOneByte:
		header |= byte(delta) << 4
	case delta < extTwoBytes:
		header |= 13 << 4
		extDelta = []byte{byte(delta - extOneByte)}
	default:
		header |= 14 << 4
		extDelta = make([]byte, 2)
		binary.BigEndian.PutUint16(extDelta, delta-extTwoBytes)
	}

	// 长度以int参与比较：合法上限65804超出uint16范围，提前窄化会截断扩展值
	switch {
	case length < extOneByte:
		header |= byte(length)
	case length < extTwoBytes:
		header |= 13
		extLength = []byte{byte(length - extOneByte)}
	default:
		header |= 14
		extLength = make([]byte, 2)
		binary.BigEndian.PutUint16(extLength, uint16(length-extTwoBytes))
	}

	return header, extDelta, extLength
}

// readExtendedValue 读取扩展的delta或长度值，返回实际值与消耗的字节数
func readExtendedValue(data []byte, nibble byte) (uint32, int, error) {
	switch nibble {
	case 13:
		if len(data) < 1 {
			return 0, 0, ErrTruncated
		}
		return uint32(data[0]) + extOneByte, 1, nil
	case 14:
		if len(data) < 2 {
			return 0, 0, ErrTruncated
		}
		return uint32(binary.BigEndian.Uint16(data)) + extTwoBytes, 2, nil
	case 15:
		return 0, 0, ErrReservedOption
	default:
		return uint32(nibble), 0, nil
	}
}

// validateMessage 验证CoAP消息结构体的合法性
func (e *Encoder) validateMessage(msg *Message) error {
	if msg.Version != Version1 {
		return errors.Wrapf(ErrBadVersion, "版本%d", msg.Version)
	}
	if msg.Type > TypeReset {
		return errors.Wrapf(ErrInvalidMessage, "消息类型%d（仅支持0-3）", msg.Type)
	}
	if len(msg.Token) > MaxTokenLength {
		return errors.Wrapf(ErrBadToken, "令牌%d字节（最大%d字节）", len(msg.Token), MaxTokenLength)
	}
	for _, opt := range msg.Options {
		if len(opt.Value) > MaxOptionValueLen {
			return errors.Wrapf(ErrOptionTooLarge, "选项%d值%d字节", opt.Number, len(opt.Value))
		}
		if opt.Number == OptionUriPath && len(opt.Value) > e.maxPathSegment() {
			return errors.Wrapf(ErrSegmentTooLong, "路径段%q为%d字节（上限%d字节）", opt.Value, len(opt.Value), e.maxPathSegment())
		}
	}
	return nil
}

func (e *Encoder) maxMessageSize() int {
	if e.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return e.MaxMessageSize
}

func (e *Encoder) maxPathSegment() int {
	if e.MaxPathSegment <= 0 {
		return DefaultMaxPathSegment
	}
	return e.MaxPathSegment
}

// Helper functions for common operations 通用操作辅助函数

// NewMessage 创建一个默认配置的CoAP消息结构体（版本v1，无令牌，空选项列表）
func NewMessage(messageType, code uint8, messageID uint16) *Message {
	return &Message{
		Version:   Version1,
		Type:      messageType,
		Code:      code,
		MessageID: messageID,
	}
}

// AddOption 给CoAP消息追加一个选项（调用方负责保持升序）
func (msg *Message) AddOption(number uint16, value []byte) {
	msg.Options = append(msg.Options, Option{Number: number, Value: value})
}

// SetPayload 设置消息负载（直接覆盖原有负载）
func (msg *Message) SetPayload(payload []byte) {
	msg.Payload = payload
}

// SetToken 设置消息令牌（超过8字节则截断）
func (msg *Message) SetToken(token []byte) {
	if len(token) > MaxTokenLength {
		token = token[:MaxTokenLength]
	}
	msg.Token = token
}

// GetOption 获取第一个指定选项号的选项值（适用于单值选项）
func (msg *Message) GetOption(number uint16) ([]byte, bool) {
	for _, opt := range msg.Options {
		if opt.Number == number {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetOptions 获取所有指定选项号的选项值（适用于多值选项，如Uri-Path）
func (msg *Message) GetOptions(number uint16) [][]byte {
	values := make([][]byte, 0)
	for _, opt := range msg.Options {
		if opt.Number == number {
			values = append(values, opt.Value)
		}
	}
	return values
}

// PathSegments 提取Uri-Path选项序列为路径段列表
func (msg *Message) PathSegments() []string {
	segments := make([]string, 0)
	for _, opt := range msg.Options {
		if opt.Number == OptionUriPath {
			segments = append(segments, string(opt.Value))
		}
	}
	return segments
}

// QueryParams 提取Uri-Query选项序列为key=value映射（无"="的参数被忽略）
func (msg *Message) QueryParams() map[string]string {
	params := make(map[string]string)
	for _, opt := range msg.Options {
		if opt.Number != OptionUriQuery {
			continue
		}
		kv := string(opt.Value)
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				params[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return params
}

// IsRequest 判断消息是否为请求（消息码class为0且非空消息）
func (msg *Message) IsRequest() bool {
	return msg.Code == CodeGET || msg.Code == CodePOST
}

// CodeString 将消息码格式化为点分表示（如0x45→"2.05"）
func CodeString(code uint8) string {
	return fmt.Sprintf("%d.%02d", code>>5, code&0x1F)
}
