package app

import "strings"

// Command はadminisバイナリのサブコマンド。
type Command string

const (
	// CommandServe はブラウザ向けルートと/functionsを提供するHTTPサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker はauth_sessionsの掃除と契約の期限切れ処理を定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate は埋め込みスキーマを最新バージョンまで適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のserveの/healthを確認する。
	// distrolessイメージのHEALTHCHECKから呼ばれる。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。大文字小文字は区別しない。
// 未指定や未知の値はCommandServe。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[strings.ToLower(strings.TrimSpace(args[0]))]; ok {
		return cmd
	}
	return CommandServe
}

// needsConfig は環境変数からの設定読み込みが必要かどうか。
// healthcheckはSERVER_PORTだけを見る。
func (c Command) needsConfig() bool {
	return c != CommandHealthcheck
}
