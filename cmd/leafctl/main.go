// Command leafctl runs the admission pipeline offline and manages its
// supporting data.
package main

func main() {
	Execute()
}
