// Package jobs holds the concrete background jobs of the blog backend.
package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ichablog-AI/ichablog-api/internal/queue"
)

const (
	HelloWorldQueue = "hello-world"
	HelloWorldName  = "sayHello"
)

type HelloWorldParams struct {
	Name string `json:"name"`
	Age  *int   `json:"age,omitempty"`
}

// HelloWorldJob greets someone in the logs. It exists to smoke-test the
// queue end to end.
type HelloWorldJob struct {
	*queue.Definition[HelloWorldParams]
	log *zap.Logger
}

func NewHelloWorldJob(client *queue.Client, log *zap.Logger) *HelloWorldJob {
	j := &HelloWorldJob{log: log}
	j.Definition = queue.NewDefinition(client, HelloWorldQueue, HelloWorldName, j.process, queue.WithJobLogger(log))
	return j
}

func (j *HelloWorldJob) process(_ context.Context, p HelloWorldParams) error {
	age := "unknown"
	if p.Age != nil {
		age = fmt.Sprint(*p.Age)
	}
	j.log.Info(fmt.Sprintf("Hello, %s! Age: %s", p.Name, age))
	return nil
}
