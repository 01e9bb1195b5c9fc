package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	VisionBaseURL  string
	TargetLanguage string

	AssemblyAIKey string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	ICEServersJSON string
	AuthPassword   string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := getenv("HTTP_ADDRESS", ":8080")
	visionURL := getenv("VISION_BASE_URL", "http://localhost:8000")
	language := getenv("TARGET_LANGUAGE", "ko")
	provider := getenv("TTS_PROVIDER", "deepgram")

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - voice questions will not work")
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if provider == "deepgram" && deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - answer read-back will not work")
	}
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if provider == "elevenlabs" && elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - answer read-back will not work")
	}

	log.Printf("config: HTTP_ADDRESS=%s VISION_BASE_URL=%s TARGET_LANGUAGE=%s TTS_PROVIDER=%s",
		addr, visionURL, language, provider)
	return Config{
		HTTPAddress:       addr,
		VisionBaseURL:     visionURL,
		TargetLanguage:    language,
		AssemblyAIKey:     assemblyAIKey,
		TTSProvider:       provider,
		DeepgramKey:       deepgramKey,
		DeepgramModel:     os.Getenv("DEEPGRAM_MODEL"),
		ElevenLabsKey:     elevenKey,
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		ICEServersJSON:    getenv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		AuthPassword:      os.Getenv("SESSION_PASSWORD"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
