package main

import (
	"context"

	"bibkat-backend/cmd/bibkat-cli/commands"
)

func main() {
	commands.ExecuteContext(context.Background())
}
