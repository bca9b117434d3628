// 提供CoAP请求路由功能：路径注册、按方法分发、路径别名
package server

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/junbin-yang/greenhouse-go/pkg/coap"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"go.uber.org/zap"
)

// ResourceHandler 资源请求处理函数类型，用于定义具体资源的请求处理逻辑
// 参数：request - 接收的CoAP请求
// 返回：处理后生成的CoAP响应
type ResourceHandler func(request *Request) *Response

// Request 表示一个完整的CoAP请求，封装请求元数据与消息内容
type Request struct {
	Message   *coap.Message     // 原始CoAP消息（含头部、选项、负载）
	Source    *net.UDPAddr      // 请求来源地址（发送方的IP:Port）
	Path      string            // 请求的资源路径（从Uri-Path选项提取，如"/sensor/send-data"）
	Query     map[string]string // 请求的查询参数（从Uri-Query选项提取）
	Timestamp time.Time         // 请求接收时间戳
}

// Response 表示一个完整的CoAP响应，封装响应状态与数据
type Response struct {
	Code          uint8  // 响应状态码（如0x41=2.01 Created、0x84=4.04 Not Found）
	ContentFormat int    // 响应负载的内容格式（<0表示不携带Content-Format选项）
	Payload       []byte // 响应负载数据（如JSON字符串）
}

// Resource 表示一个已注册的CoAP资源：路径 + 各方法的处理器
type Resource struct {
	Path     string // 规范化资源路径（唯一标识，以"/"开头）
	Title    string // 资源标题（描述性信息）
	Endpoint string // 限流端点标识（同一资源的所有别名共享）
	handlers map[uint8]ResourceHandler
}

// Router CoAP请求路由器，负责资源注册与请求分发
type Router struct {
	mu        sync.RWMutex
	resources map[string]*Resource // key=资源路径（含别名，多个路径可指向同一资源）
	log       *logger.Logger
}

// NewRouter 创建请求路由器实例
func NewRouter() *Router {
	return &Router{
		resources: make(map[string]*Resource),
		log:       logger.Default(),
	}
}

// Register 注册一个资源及其方法处理器（线程安全）
// 参数:
//   path: 资源路径（自动规范化为以"/"开头）
//   title: 资源标题
//   endpoint: 限流端点标识
//   handlers: 方法码到处理器的映射（如CodePOST→提交处理器）
// 返回: 注册的资源实例（供AddAlias使用）
func (r *Router) Register(path, title, endpoint string, handlers map[uint8]ResourceHandler) *Resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	path = normalizePath(path)
	resource := &Resource{
		Path:     path,
		Title:    title,
		Endpoint: endpoint,
		handlers: handlers,
	}
	r.resources[path] = resource

	r.log.Info("资源注册成功",
		zap.String("path", path),
		zap.String("title", title))
	return resource
}

// AddAlias 为已注册资源添加路径别名，别名与主路径共享处理器与限流端点
func (r *Router) AddAlias(resource *Resource, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, alias := range aliases {
		r.resources[normalizePath(alias)] = resource
	}
}

// Lookup 根据路径获取已注册的资源
func (r *Router) Lookup(path string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resource, exists := r.resources[normalizePath(path)]
	return resource, exists
}

// HandleRequest 处理CoAP请求，是路由器的核心分发入口
// 未注册路径返回4.04，路径存在但方法不支持返回4.05，
// 处理器返回nil视为内部错误（5.00）
func (r *Router) HandleRequest(request *Request) *Response {
	if request == nil || request.Message == nil {
		return errorResponse(coap.CodeBadRequest)
	}

	request.Path = "/" + strings.Join(request.Message.PathSegments(), "/")
	request.Query = request.Message.QueryParams()

	r.log.Debug("开始处理CoAP请求",
		zap.String("path", request.Path),
		zap.String("code", coap.CodeString(request.Message.Code)),
		zap.String("source", request.Source.String()))

	resource, exists := r.Lookup(request.Path)
	if !exists {
		return errorResponse(coap.CodeNotFound)
	}

	handler, ok := resource.handlers[request.Message.Code]
	if !ok || handler == nil {
		return errorResponse(coap.CodeMethodNotAllowed)
	}

	response := handler(request)
	if response == nil {
		return errorResponse(coap.CodeInternalServerError)
	}
	return response
}

// normalizePath 规范化资源路径：确保以"/"开头、去除尾部"/"
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// errorResponse 构造无负载的错误响应
func errorResponse(code uint8) *Response {
	return &Response{Code: code, ContentFormat: -1}
}
