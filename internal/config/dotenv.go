package config

import "github.com/joho/godotenv"

// godotenvLoad loads key=value pairs from envFile into the process
// environment without overriding variables already set, matching
// godotenv's documented behavior.
func godotenvLoad(envFile string) error {
	return godotenv.Load(envFile)
}
