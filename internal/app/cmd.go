package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun は常駐モードで起動することを示す。
	// 定期リフレッシュとエンリッチメントワーカーを実行する。
	CommandRun Command = "run"
	// CommandRefresh は全フィードを1回リフレッシュして終了することを示す。
	CommandRefresh Command = "refresh"
	// CommandList は記事一覧をJSONで出力して終了することを示す。
	CommandList Command = "list"
	// CommandSeen は全記事を既読にして終了することを示す。
	CommandSeen Command = "seen"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRun
	}

	switch args[0] {
	case "run":
		return CommandRun
	case "refresh":
		return CommandRefresh
	case "list":
		return CommandList
	case "seen":
		return CommandSeen
	case "migrate":
		return CommandMigrate
	default:
		return CommandRun
	}
}
