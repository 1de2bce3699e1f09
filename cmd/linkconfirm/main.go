// Command linkconfirm はパスワードリセット・メールアドレス確認リンクの確認サーバーを起動する。
//
// 使い方:
//
//	linkconfirm [serve]        APIサーバーを起動する
//	linkconfirm open <url>     起動中のサーバーへディープリンクを配信する
//	linkconfirm migrate        データベースマイグレーションを実行する
//	linkconfirm cleanup        保持期間を過ぎた確認履歴を削除する
//	linkconfirm healthcheck    /health を確認する（Dockerヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/linkconfirm/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "linkconfirm: %v\n", err)
		os.Exit(1)
	}
}
