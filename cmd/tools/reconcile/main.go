package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/assistant"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if cfg.Assistant.Provider != config.ProviderOpenAI {
		log.Fatal("远端代理只在 ASSISTANT_PROVIDER=openai 时持久存在")
	}

	mode := flag.String("mode", "list", "模式: list, cleanup 或 roundtrip")
	personaID := flag.String("persona", "riley", "roundtrip 模式使用的角色 ID")
	text := flag.String("text", "Hello!", "roundtrip 模式发送的消息")
	timeout := flag.Duration("timeout", 60*time.Second, "整体超时时间")
	flag.Parse()

	backend, err := assistant.NewOpenAIBackend(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	if err != nil {
		log.Fatalf("创建后端失败: %v", err)
	}
	gateway := assistant.NewGateway(backend, assistant.Config{
		Model:        cfg.OpenAI.Model,
		MaxRetries:   cfg.Assistant.MaxRetries,
		PollInterval: cfg.Assistant.PollInterval,
		RateLimit:    cfg.Assistant.RateLimit,
		RateBurst:    cfg.Assistant.RateBurst,
		AgentTTL:     cfg.Assistant.AgentTTL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "list":
		agents, err := gateway.ListAgents(ctx)
		if err != nil {
			log.Fatalf("列出代理失败: %v", err)
		}
		for _, a := range agents {
			fmt.Printf("%s\t%s\tpersona=%s\tcreated=%s\n", a.ID, a.Name, a.Metadata["persona_id"],
				time.Unix(a.CreatedAt, 0).UTC().Format(time.RFC3339))
		}
		log.Printf("共 %d 个代理", len(agents))
	case "cleanup":
		deleted, err := gateway.CleanupAgents(ctx)
		log.Printf("已删除 %d 个代理", deleted)
		if err != nil {
			log.Fatalf("部分代理删除失败: %v", err)
		}
	case "roundtrip":
		if err := roundTrip(ctx, gateway, cfg, *personaID, *text); err != nil {
			log.Fatalf("roundtrip 失败: %v", err)
		}
	default:
		flag.Usage()
		log.Fatalf("未知模式 %q", *mode)
	}
}

// roundTrip runs one full round trip against a throwaway thread.
func roundTrip(ctx context.Context, gateway *assistant.Gateway, cfg *config.Config, personaID, text string) error {
	registry, err := persona.NewRegistry(persona.Seed())
	if err != nil {
		return err
	}
	p, err := registry.Lookup(personaID)
	if err != nil {
		return err
	}

	agentID, err := gateway.EnsureAgent(ctx, p)
	if err != nil {
		return err
	}
	threadID, err := gateway.CreateThread(ctx, agentID, 0, p.ID)
	if err != nil {
		return err
	}
	defer gateway.DeleteThread(context.Background(), threadID)

	start := time.Now()
	reply, err := gateway.SendAndAwait(ctx, threadID, agentID, text, 0, cfg.Assistant.Timeout)
	if err != nil {
		return err
	}
	log.Printf("agent=%s thread=%s 用时 %s", agentID, threadID, time.Since(start).Round(time.Millisecond))
	fmt.Println(reply)
	return nil
}
