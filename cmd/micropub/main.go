// main.go — micropub HTTP server
// Builds the endpoint configuration from environment variables and
// starts the server. A .env file in the working directory is loaded
// when present.
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/eringen/micropub"
)

func main() {
	_ = godotenv.Load()

	cfg := micropub.Config{
		BaseURL: micropub.MustEnv("BASE_URL"),
		Addr:    micropub.EnvOr("ADDR", ":3000"),

		TokenEndpoint: os.Getenv("TOKEN_ENDPOINT"),

		GitHubToken: micropub.MustEnv("GITHUB_TOKEN"),
		GitHubOwner: micropub.MustEnv("GITHUB_USER"),
		GitHubRepo:  micropub.MustEnv("GITHUB_REPO"),
		Branch:      micropub.DefaultBranch(os.Getenv),

		LFSEndpoint:   micropub.MustEnv("LFS_ENDPOINT"),
		MediaEndpoint: os.Getenv("MEDIA_ENDPOINT"),

		PublishLogPath: os.Getenv("PUBLISH_LOG_PATH"),
		Development:    os.Getenv("ENV") == "development",
	}

	if w := os.Getenv("MAX_PHOTO_WIDTH"); w != "" {
		width, err := strconv.Atoi(w)
		if err != nil {
			log.Fatalf("invalid MAX_PHOTO_WIDTH %q: %v", w, err)
		}
		cfg.MaxPhotoWidth = width
	}

	app := micropub.New(cfg)
	defer app.Close()

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}
