package main

import "settld-gateway/internal/app"

// @title Settld Gateway API
// @version 1.0
// @description x402 verify-before-release payment gateway and settlement kernel

// @host localhost:8402
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the tenant API key
func main() {
	app.Run()
}
