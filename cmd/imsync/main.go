// Command imsync 是一个终端聊天客户端，演示同步核心的用法。
package main

func main() {
	Execute()
}
