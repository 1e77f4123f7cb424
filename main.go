// The main package for the enricher executable.
package main

import (
	"github.com/JakeFAU/product-enricher/cmd"
)

func main() {
	cmd.Execute()
}
