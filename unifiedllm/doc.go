// Package unifiedllm is the model-completion layer used by the execution
// loop. It defines provider-agnostic request and response types, an error
// taxonomy that separates transient transport failures from permanent ones,
// a retry helper with exponential backoff, and a Client that routes requests
// to registered ProviderAdapters through optional middleware.
//
// GollmAdapter implements ProviderAdapter on top of
// github.com/teilomillet/gollm:
//
//	adapter, err := unifiedllm.NewGollmAdapter("openai", unifiedllm.WithModel("gpt-4o-mini"))
//	if err != nil {
//	    return err
//	}
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai", adapter))
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// Tests substitute the scripted adapter from the llmtest subpackage.
package unifiedllm
