package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jon-ruckwood/lagom/format"
	"github.com/jon-ruckwood/lagom/serializer"
	"github.com/jon-ruckwood/lagom/service"
	"github.com/jon-ruckwood/lagom/stream"
)

type Greeting struct {
	Name string `json:"name" cbor:"name"`
}

type Reply struct {
	Message string `json:"message" cbor:"message"`
}

var (
	helloCall = service.NewCall(service.Named("hello"),
		serializer.StrictSlot(serializer.Codecs[Greeting](format.DefaultRegistry())),
		serializer.StrictSlot(serializer.Codecs[Reply](format.DefaultRegistry())),
		service.Sync(func(_ context.Context, _ service.Params, g Greeting) (Reply, error) {
			return Reply{Message: "hello, " + g.Name}, nil
		}))

	// spell streams one reply per letter of the name
	spellCall = service.NewCall(service.Named("spell"),
		serializer.StrictSlot(serializer.Codecs[Greeting](format.DefaultRegistry())),
		serializer.StreamedSlot(serializer.Codecs[Reply](format.DefaultRegistry())),
		service.Async(func(ctx context.Context, _ service.Params, g Greeting) (*stream.Stream[Reply], error) {
			letters := strings.Split(g.Name, "")
			return stream.New(ctx, func(ctx context.Context, emit func(Reply) error) error {
				for i, l := range letters {
					if err := emit(Reply{Message: fmt.Sprintf("%d:%s", i, l)}); err != nil {
						return err
					}
				}
				return nil
			}), nil
		}))
)

func greeter() *service.Descriptor {
	return service.NewDescriptor("Greeter", helloCall, spellCall)
}
