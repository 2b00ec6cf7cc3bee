package main

// TODO: serve the OpenAPI description of the /v1 routes.
func main() {
	startWithDig()
}
