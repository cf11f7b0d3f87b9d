package supervisor

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/kolkov/pairsv/internal/process"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"
)

// RunTUI shows both children and their output until the supervisor stops. Ctrl+C or
// "q" calls quit, which is expected to request termination; the screen stays up while
// the children are being stopped.
func (s *Supervisor) RunTUI(quit func()) error {
	app := tview.NewApplication()

	// Таблица статуса процессов
	table := tview.NewTable().
		SetBorders(true).
		SetFixed(1, 1)
	table.SetBorder(true)

	headerStyle := tcell.Style{}.
		Foreground(tcell.ColorYellow).
		Background(tcell.ColorBlack).
		Bold(true)

	for i, title := range []string{"Process", "PID", "Status", "Uptime", "Exit"} {
		table.SetCell(0, i, tview.NewTableCell(title).SetStyle(headerStyle))
	}

	// Текстовое поле для логов
	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(2000).
		SetChangedFunc(func() {
			app.Draw()
		})
	logView.SetBorder(true).SetTitle("Logs")
	logView.ScrollToEnd()

	// Логи супервизора и вывод процессов пишут в одно окно через общий мьютекс
	logWriter := process.NewSyncWriter(tview.ANSIWriter(logView))
	prevOut := s.out.SetOutput(logWriter)
	defer s.out.SetOutput(prevOut)

	std := logrus.StandardLogger()
	prevLog := std.Out
	std.SetOutput(logWriter)
	defer std.SetOutput(prevLog)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(table, 5, 0, false).
		AddItem(logView, 0, 1, true)

	updateTable := func() {
		table.SetTitle(fmt.Sprintf(" pairsv: %s ", s.State()))
		for i, info := range s.Status() {
			row := i + 1
			table.SetCell(row, 0, tview.NewTableCell(info.Name))
			table.SetCell(row, 1, tview.NewTableCell(pidString(info)))
			table.SetCell(row, 2, tview.NewTableCell(string(info.Status)).
				SetTextColor(statusColor(info.Status)))
			table.SetCell(row, 3, tview.NewTableCell(uptimeString(info)))
			table.SetCell(row, 4, tview.NewTableCell(exitString(info)))
		}
	}
	updateTable()

	done := make(chan struct{})
	defer close(done)

	// Автообновление
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				app.QueueUpdateDraw(updateTable)
			case <-s.Stopped():
				app.QueueUpdate(app.Stop)
				return
			case <-done:
				return
			}
		}
	}()

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyCtrlC, event.Rune() == 'q':
			go quit()
			return nil
		case event.Key() == tcell.KeyTab:
			if app.GetFocus() == table {
				app.SetFocus(logView)
			} else {
				app.SetFocus(table)
			}
			return nil
		}
		return event
	})

	return app.SetRoot(flex, true).SetFocus(logView).Run()
}

func statusColor(st process.Status) tcell.Color {
	switch st {
	case process.Running:
		return tcell.ColorGreen
	case process.Starting, process.Stopping:
		return tcell.ColorYellow
	case process.Failed:
		return tcell.ColorRed
	case process.Stopped:
		return tcell.ColorBlue
	}
	return tcell.ColorWhite
}
