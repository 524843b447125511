package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "CAT4IGP_"

// loadEnvFromDotEnv copies CAT4IGP_ keys from a .env file into the process
// environment. Variables already set win, and a missing file is ignored.
func loadEnvFromDotEnv(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		return
	}
	for key, value := range values {
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
