// CoAP URI解析：将coap://host[:port]/path?query形式的地址拆解为传输目标与请求选项
// 纯函数实现，无I/O、无状态，仅在发送侧使用（服务端只需知道自己的绑定地址）
package coap

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPort CoAP协议默认UDP端口
const DefaultPort = 5683

// URI格式错误：属于配置/目标地址错误，在启动或配置加载时致命，而非按请求处理
var ErrMalformedURI = errors.New("coap: URI格式非法")

// ParsedURI 表示解析后的CoAP目标地址
type ParsedURI struct {
	Host         string            // 目标主机（IP或域名）
	Port         int               // 目标端口（未指定时为5683）
	PathSegments []string          // 路径段列表（已剔除空段）
	Query        string            // 原始查询串（无查询时为空）
	QueryParams  map[string]string // 查询参数（key=value对）
}

// ParseURI 解析coap://host[:port]/path[?query]形式的URI
// 路径按"/"拆分并丢弃空段（如尾部斜杠产生的空段）；
// 查询串按"&"拆分为key=value对，缺少"="的参数视为格式错误
func ParseURI(uri string) (*ParsedURI, error) {
	const scheme = "coap://"
	if !strings.HasPrefix(uri, scheme) {
		return nil, errors.Wrapf(ErrMalformedURI, "缺少%s前缀: %q", scheme, uri)
	}
	rest := uri[len(scheme):]

	// 分离authority与路径
	var authority, pathAndQuery string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, pathAndQuery = rest[:i], rest[i+1:]
	} else {
		authority = rest
	}
	if authority == "" {
		return nil, errors.Wrapf(ErrMalformedURI, "无法提取主机: %q", uri)
	}

	parsed := &ParsedURI{
		Port:        DefaultPort,
		QueryParams: make(map[string]string),
	}

	// 分离主机与端口
	if i := strings.LastIndexByte(authority, ':'); i >= 0 {
		port, err := strconv.Atoi(authority[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.Wrapf(ErrMalformedURI, "端口非法: %q", authority[i+1:])
		}
		parsed.Host = authority[:i]
		parsed.Port = port
	} else {
		parsed.Host = authority
	}
	if parsed.Host == "" {
		return nil, errors.Wrapf(ErrMalformedURI, "无法提取主机: %q", uri)
	}

	// 分离路径与查询串
	path := pathAndQuery
	if i := strings.IndexByte(pathAndQuery, '?'); i >= 0 {
		path = pathAndQuery[:i]
		parsed.Query = pathAndQuery[i+1:]
	}

	// 拆分路径段，丢弃空段
	parsed.PathSegments = make([]string, 0)
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			parsed.PathSegments = append(parsed.PathSegments, seg)
		}
	}

	// 拆分查询参数，无"="的参数拒绝
	if parsed.Query != "" {
		for _, pair := range strings.Split(parsed.Query, "&") {
			i := strings.IndexByte(pair, '=')
			if i < 0 {
				return nil, errors.Wrapf(ErrMalformedURI, "查询参数缺少'=': %q", pair)
			}
			parsed.QueryParams[pair[:i]] = pair[i+1:]
		}
	}

	return parsed, nil
}

// Path 返回以"/"连接的完整路径（用于日志展示）
func (u *ParsedURI) Path() string {
	return "/" + strings.Join(u.PathSegments, "/")
}
