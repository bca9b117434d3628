// Greenhouse-Go的命令行接口，用于启动温室遥测服务端或模拟节点
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/auth"
	"github.com/junbin-yang/greenhouse-go/pkg/ingest"
	"github.com/junbin-yang/greenhouse-go/pkg/network"
	"github.com/junbin-yang/greenhouse-go/pkg/node"
	"github.com/junbin-yang/greenhouse-go/pkg/registry"
	"github.com/junbin-yang/greenhouse-go/pkg/server"
	"github.com/junbin-yang/greenhouse-go/pkg/store"
	log "github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"     // 版本号
	BuildTime = "unknown" // 构建时间

	// 配置相关
	cfgFile string     // 配置文件路径
	config  api.Config // 服务配置结构体

	// 日志实例
	logger *log.Logger
)

// rootCmd 表示基础命令（默认启动遥测服务端）
var rootCmd = &cobra.Command{
	Use:   "greenhouse",
	Short: "Greenhouse-Go: 智能温室遥测服务",
	Long: `Greenhouse-Go是智能温室传感器遥测系统的Go实现。
它通过CoAP协议（RFC 7252子集）接收温室节点上报的传感器数据，
完成鉴权、限流、校准换算后写入InfluxDB时序数据库。`,
	Run: runServer, // 执行root命令时调用runServer函数
}

// versionCmd 表示版本命令（用于显示版本信息）
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Greenhouse-Go %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// nodeCmd 表示节点命令（启动一个或多个模拟温室节点）
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "启动模拟温室节点",
	Run:   runNodes, // 执行node命令时调用runNodes函数
}

func init() {
	// 在命令执行前初始化配置
	cobra.OnInitialize(initConfig)

	// 全局标志（所有命令共享）
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认是./greenhouse.yaml）")
	rootCmd.PersistentFlags().String("log-level", "info", "日志级别（debug, info, warning, error, fatal）")
	rootCmd.PersistentFlags().String("log-file", "", "日志文件路径（为空时输出到stderr）")
	rootCmd.PersistentFlags().String("log-rotate", "size", "日志轮转方式（size按大小，daily按天）")

	// 服务端标志
	rootCmd.Flags().String("bind-addr", "0.0.0.0", "监听地址")
	rootCmd.Flags().Int("bind-port", 5683, "监听端口")
	rootCmd.Flags().Int("max-datagram-size", 1152, "接受的最大UDP数据报大小")
	rootCmd.Flags().Duration("receive-timeout", time.Second, "单次接收超时")
	rootCmd.Flags().Int("default-rate-capacity", 120, "一般端点限流桶容量")
	rootCmd.Flags().Float64("default-rate-refill", 2.0, "一般端点令牌补充速率（个/秒）")
	rootCmd.Flags().Int("sensor-rate-capacity", 60, "传感器数据端点限流桶容量")
	rootCmd.Flags().Float64("sensor-rate-refill", 1.0, "传感器数据端点令牌补充速率（个/秒）")
	rootCmd.Flags().String("registry", "registry.yaml", "节点注册表YAML文件路径")
	rootCmd.Flags().String("influx-url", "http://localhost:8086", "InfluxDB地址")
	rootCmd.Flags().String("influx-token", "", "InfluxDB访问令牌")
	rootCmd.Flags().String("influx-org", "greenhouse", "InfluxDB组织")
	rootCmd.Flags().String("influx-bucket", "telemetry", "InfluxDB存储桶")

	// 将命令行标志绑定到viper（用于配置读取）
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log-rotate", rootCmd.PersistentFlags().Lookup("log-rotate"))
	viper.BindPFlag("bind-addr", rootCmd.Flags().Lookup("bind-addr"))
	viper.BindPFlag("bind-port", rootCmd.Flags().Lookup("bind-port"))
	viper.BindPFlag("max-datagram-size", rootCmd.Flags().Lookup("max-datagram-size"))
	viper.BindPFlag("receive-timeout", rootCmd.Flags().Lookup("receive-timeout"))
	viper.BindPFlag("default-rate-capacity", rootCmd.Flags().Lookup("default-rate-capacity"))
	viper.BindPFlag("default-rate-refill", rootCmd.Flags().Lookup("default-rate-refill"))
	viper.BindPFlag("sensor-rate-capacity", rootCmd.Flags().Lookup("sensor-rate-capacity"))
	viper.BindPFlag("sensor-rate-refill", rootCmd.Flags().Lookup("sensor-rate-refill"))
	viper.BindPFlag("registry", rootCmd.Flags().Lookup("registry"))
	viper.BindPFlag("influx-url", rootCmd.Flags().Lookup("influx-url"))
	viper.BindPFlag("influx-token", rootCmd.Flags().Lookup("influx-token"))
	viper.BindPFlag("influx-org", rootCmd.Flags().Lookup("influx-org"))
	viper.BindPFlag("influx-bucket", rootCmd.Flags().Lookup("influx-bucket"))

	// 节点命令专属标志
	nodeCmd.Flags().String("server-uri", "coap://127.0.0.1:5683/sensor/send-data", "服务端URI")
	nodeCmd.Flags().String("node-id", "greenhouse_001", "节点ID（多节点时作为前缀）")
	nodeCmd.Flags().String("api-key", "", "API密钥")
	nodeCmd.Flags().String("plant", "tomato", "植物类型（tomato, lettuce, cucumber, peppers）")
	nodeCmd.Flags().Int("count", 1, "模拟节点数量")
	nodeCmd.Flags().Duration("interval", 20*time.Second, "上报间隔")

	// 添加子命令到根命令
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(nodeCmd)
}

// initConfig 初始化配置：读取配置文件、设置环境变量前缀、初始化日志
func initConfig() {
	// 配置文件处理
	if cfgFile != "" {
		// 若指定了配置文件路径，直接使用
		viper.SetConfigFile(cfgFile)
	} else {
		// 未指定则在当前目录查找greenhouse.yaml
		viper.AddConfigPath(".")
		viper.SetConfigName("greenhouse")
		viper.SetConfigType("yaml")
	}

	// 环境变量前缀为GREENHOUSE（例如GREENHOUSE_LOG_LEVEL对应log-level）
	viper.SetEnvPrefix("GREENHOUSE")
	viper.AutomaticEnv() // 自动读取环境变量

	// 读取配置文件（若存在）
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("使用配置文件:", viper.ConfigFileUsed())
	}

	logger = log.Default()
	setupLogOutput()
}

// setupLogOutput 配置了日志文件时切换到带轮转的文件输出
func setupLogOutput() {
	file := viper.GetString("log-file")
	if file == "" {
		return
	}

	var out io.Writer
	switch viper.GetString("log-rotate") {
	case "daily":
		w, err := log.NewTimeRotateWriter(file, 7*24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "日志文件初始化失败: %v\n", err)
			return
		}
		out = w
	default:
		out = log.NewSizeRotateWriter(&log.RotateConfig{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // 天
			Compress:   true,
		})
	}

	logger = log.New(out, log.InfoLevel, log.AddCaller(), log.AddCallerSkip(2))
	log.ReplaceDefault(logger)
}

// runServer 执行root命令：启动遥测服务端并处理中断信号
func runServer(cmd *cobra.Command, args []string) {
	loadConfig()

	logger.Info("启动Greenhouse-Go服务",
		zap.String("版本", Version),
		zap.String("监听地址", fmt.Sprintf("%s:%d", config.Server.BindAddr, config.Server.BindPort)),
		zap.String("注册表", config.RegistryPath))

	// 加载节点注册表
	reg, err := registry.Load(config.RegistryPath)
	if err != nil {
		logger.Fatal("加载注册表失败", zap.Error(err))
	}

	// 创建准入控制器与入库适配器
	gate := auth.NewGate(reg, auth.Config{
		DefaultLimit: config.Server.DefaultLimit,
		SensorLimit:  config.Server.SensorLimit,
	})
	influx := store.NewInfluxStore(store.Config{
		URL:    config.InfluxURL,
		Token:  config.InfluxToken,
		Org:    config.InfluxOrg,
		Bucket: config.InfluxBucket,
	})
	defer influx.Close()

	ingestor := ingest.NewIngestor(reg, influx, reg, ingest.Config{})

	// 创建并启动服务端
	srv := server.New(config.Server, gate, ingestor, reg)
	if err := srv.Start(); err != nil {
		logger.Fatal("启动服务端失败", zap.Error(err))
	}

	// 监听系统中断信号（SIGINT=Ctrl+C, SIGTERM=终止信号）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("收到中断信号，开始关闭服务", zap.String("信号", sig.String()))

	srv.Stop()
	logger.Info("Greenhouse-Go服务已停止")
}

// runNodes 执行node命令：启动指定数量的模拟节点并发上报
func runNodes(cmd *cobra.Command, args []string) {
	loadConfig()

	serverURI, _ := cmd.Flags().GetString("server-uri")
	nodeID, _ := cmd.Flags().GetString("node-id")
	apiKey, _ := cmd.Flags().GetString("api-key")
	plant, _ := cmd.Flags().GetString("plant")
	count, _ := cmd.Flags().GetInt("count")
	interval, _ := cmd.Flags().GetDuration("interval")

	logger.Info("启动模拟节点",
		zap.String("目标", serverURI),
		zap.String("植物类型", plant),
		zap.Int("数量", count),
		zap.Duration("上报间隔", interval))

	// 网络连接监控：上报前等待连接可用
	monitor := network.NewMonitor()
	monitor.Start()
	defer monitor.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 中断信号触发全部节点退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("收到中断信号，停止全部节点", zap.String("信号", sig.String()))
		cancel()
	}()

	// errgroup并发运行全部节点
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		id := nodeID
		if count > 1 {
			id = fmt.Sprintf("%s_%03d", nodeID, i+1)
		}

		cfg := api.NodeConfig{
			NodeID:       id,
			APIKey:       apiKey,
			ServerURI:    serverURI,
			PlantType:    plant,
			SendInterval: interval,
		}
		sim := node.NewSimulator(plant, time.Now().UnixNano()+int64(i))

		sender, err := node.NewSender(cfg, sim, monitor)
		if err != nil {
			logger.Fatal("创建节点失败", zap.String("节点ID", id), zap.Error(err))
		}

		g.Go(func() error {
			return sender.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("节点运行结束", zap.Error(err))
	}
	logger.Info("全部模拟节点已停止")
}

// loadConfig 从viper加载配置到config结构体，补全默认值
func loadConfig() {
	config = api.Config{
		Server: api.ServerConfig{
			BindAddr:        viper.GetString("bind-addr"),
			BindPort:        viper.GetInt("bind-port"),
			MaxDatagramSize: viper.GetInt("max-datagram-size"),
			ReceiveTimeout:  viper.GetDuration("receive-timeout"),
			DefaultLimit: api.RateLimitConfig{
				Capacity:   viper.GetInt("default-rate-capacity"),
				RefillRate: viper.GetFloat64("default-rate-refill"),
			},
			SensorLimit: api.RateLimitConfig{
				Capacity:   viper.GetInt("sensor-rate-capacity"),
				RefillRate: viper.GetFloat64("sensor-rate-refill"),
			},
		},
		RegistryPath: viper.GetString("registry"),
		InfluxURL:    viper.GetString("influx-url"),
		InfluxToken:  viper.GetString("influx-token"),
		InfluxOrg:    viper.GetString("influx-org"),
		InfluxBucket: viper.GetString("influx-bucket"),
		LogLevel:     viper.GetString("log-level"),
	}

	if lvl, err := zapcore.ParseLevel(config.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
}

// main 函数：执行root命令
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// ./greenhouse --bind-port 5683 --registry registry.yaml --influx-url http://localhost:8086

// ./greenhouse node --server-uri "coap://192.168.1.52:5683/sensor/send-data" --api-key gh001_api_key_abc123 --count 3
