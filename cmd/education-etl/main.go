package main

// ./bin/education-etl -destination /usr/local/data/education-etl
// ./bin/education-etl -layer 'schools=76' -layer 'colleges_universities=74' -max-workers 3

import (
	"context"
	"log"

	"github.com/whosonfirst/go-nationalmap/app/education"
	_ "gocloud.dev/blob/fileblob"
)

func main() {

	ctx := context.Background()
	logger := log.Default()

	err := education.Run(ctx, logger)

	if err != nil {
		logger.Fatalf("Failed to run application, %v", err)
	}
}
