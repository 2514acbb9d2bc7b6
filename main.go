package main

import (
	"github.com/spf13/viper"

	"github.com/seefan21/outpaint-batch/internal/backend/comfyui"
	"github.com/seefan21/outpaint-batch/internal/backend/falai"
	"github.com/seefan21/outpaint-batch/internal/logger"
	"github.com/seefan21/outpaint-batch/internal/outpaint"
	"github.com/seefan21/outpaint-batch/internal/server"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	var serviceConfig outpaint.ServiceConfig
	if err := viper.UnmarshalKey("outpaint", &serviceConfig); err != nil {
		panic(err)
	}
	var falaiConfig falai.Config
	if err := viper.UnmarshalKey("falai", &falaiConfig); err != nil {
		panic(err)
	}
	var comfyuiConfig comfyui.Config
	if err := viper.UnmarshalKey("comfyui", &comfyuiConfig); err != nil {
		panic(err)
	}

	// an adapter without its credential/template is simply not configured;
	// with a single adapter any failure is terminal (no fallback candidate)
	adapters := make(map[outpaint.AdapterID]outpaint.Adapter)
	if falaiConfig.APIKey != "" {
		adapters[outpaint.AdapterFalAI] = falai.New(falaiConfig)
	}
	if comfyuiConfig.WorkflowPath != "" {
		adapters[outpaint.AdapterComfyUI] = comfyui.New(comfyuiConfig)
	}
	if len(adapters) == 0 {
		panic("no backend configured: set falai.apiKey and/or comfyui.workflowPath")
	}

	service, err := outpaint.NewService(serviceConfig, adapters)
	if err != nil {
		panic(err)
	}
	defer service.Close()

	go logAdvisories(service)

	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", "9000")
	host := viper.GetString("server.host")
	port := viper.GetString("server.port")
	apiKey := viper.GetString("server.apiKey")
	logger.Infof("service is starting, host: %s, port: %s, primary backend: %s", host, port, service.Primary())
	server.Start(host, port, apiKey, service)
}

// the advisory also lands in the log so headless operators see the offer
func logAdvisories(service *outpaint.Service) {
	for advisory := range service.Advisories() {
		logger.Warnf("backend %s failed %d times in a row, POST /advisory/accept to switch remaining %d items to %s",
			advisory.From, advisory.Failures, advisory.Remaining, advisory.To)
	}
}
