package config_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/assistant-client/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Load", func() {
	It("uses defaults when the environment is empty", func() {
		GinkgoT().Setenv("BACKEND_URL", "")
		GinkgoT().Setenv("RATE_LIMIT_REQUESTS", "")

		cfg := config.Load()
		Expect(cfg.BackendURL).To(Equal("http://localhost:8000"))
		Expect(cfg.RateLimitRequests).To(Equal(60))
		Expect(cfg.RateLimitWindow).To(Equal(time.Minute))
		Expect(cfg.ServerWriteTimeout).To(BeZero())
		Expect(cfg.StreamHeartbeat).To(Equal(15 * time.Second))
	})

	It("reads typed values", func() {
		GinkgoT().Setenv("BACKEND_URL", "https://assistant.example.com")
		GinkgoT().Setenv("REQUEST_TIMEOUT", "5s")
		GinkgoT().Setenv("NATS_ENABLED", "true")
		GinkgoT().Setenv("RATE_LIMIT_REQUESTS", "10")
		GinkgoT().Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

		cfg := config.Load()
		Expect(cfg.BackendURL).To(Equal("https://assistant.example.com"))
		Expect(cfg.RequestTimeout).To(Equal(5 * time.Second))
		Expect(cfg.NATSEnabled).To(BeTrue())
		Expect(cfg.RateLimitRequests).To(Equal(10))
		Expect(cfg.CORSAllowedOrigins).To(Equal([]string{"https://a.example.com", "https://b.example.com"}))
	})

	It("ignores malformed values", func() {
		GinkgoT().Setenv("REQUEST_TIMEOUT", "soon")
		GinkgoT().Setenv("AUTH_ENABLED", "maybe")

		cfg := config.Load()
		Expect(cfg.RequestTimeout).To(Equal(30 * time.Second))
		Expect(cfg.AuthEnabled).To(BeFalse())
	})
})
