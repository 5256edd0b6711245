package apiclient

import "context"

// DoForTest 暴露 do 给外部测试包，用于验证按路径分类的错误映射。
func (c *Client) DoForTest(ctx context.Context, method, path string, out interface{}) error {
	return c.do(ctx, method, path, nil, nil, out)
}
