// Command reactor runs missions against a model with native and external
// capabilities.
package main

func main() {
	Execute()
}
